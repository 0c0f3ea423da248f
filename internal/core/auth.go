package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/store"
)

// ErrBadCredentials is returned by Authenticate for an unknown login or a
// wrong password.
var ErrBadCredentials = errors.New("invalid login or password")

const hashScheme = "sha256"

// HashPassword returns "sha256$<salt>$<hex digest>" with a random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hashWithSalt(hex.EncodeToString(salt), password), nil
}

func hashWithSalt(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hashScheme + "$" + salt + "$" + hex.EncodeToString(sum[:])
}

// CheckPassword reports whether password matches a HashPassword result.
func CheckPassword(hash, password string) bool {
	parts := strings.Split(hash, "$")
	if len(parts) != 3 || parts[0] != hashScheme {
		return false
	}
	want := hashWithSalt(parts[1], password)
	return subtle.ConstantTimeCompare([]byte(want), []byte(hash)) == 1
}

// Authenticate finds the replicated user with the given login, checks the
// password and starts a session for them. A replica that does not hold the
// login yet first downloads the global scope, where users live.
func (e *Engine) Authenticate(ctx context.Context, login, password string) (string, error) {
	row, err := e.findLogin(login)
	if err != nil {
		return "", err
	}
	if row == nil {
		prev, err := e.loadVisibility()
		if err != nil {
			return "", err
		}
		if err := e.widen(ctx, prev, &models.Visibility{Scopes: []string{e.opts.GlobalScope}}); err != nil {
			return "", err
		}
		if row, err = e.findLogin(login); err != nil {
			return "", err
		}
	}
	if row == nil {
		return "", ErrBadCredentials
	}

	u := row.Record.Body.(*models.User)
	if !u.BannedDate.IsZero() && !e.opts.Now().Before(u.BannedDate) {
		return "", fmt.Errorf("user %s is banned: %w", login, ErrBadCredentials)
	}
	if !CheckPassword(u.PasswordHash, password) {
		return "", ErrBadCredentials
	}
	if err := e.Login(ctx, row.Record.Code); err != nil {
		return "", err
	}
	return row.Record.Code, nil
}

func (e *Engine) findLogin(login string) (*store.Row, error) {
	rows, err := e.local.ListRecords(models.KindUser)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	for _, row := range rows {
		if row.Record.Body.(*models.User).Login == login {
			return row, nil
		}
	}
	return nil, nil
}
