package server

import (
	"cmp"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix marks raw h3 access tokens.
const TokenPrefix = "h3_"

// ErrTokenNotFound is returned for an unknown token ID.
var ErrTokenNotFound = errors.New("token not found")

// FileTokenStore keeps token metadata and hashes in a JSON file next to the
// master store. The raw token is returned once by CreateToken and never
// stored.
type FileTokenStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	byHash map[string]*TokenInfo
	byID   map[string]*TokenInfo
}

var _ TokenStore = (*FileTokenStore)(nil)

func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTokenStore{
		path:   path,
		logger: logger,
		now:    time.Now,
		byHash: make(map[string]*TokenInfo),
		byID:   make(map[string]*TokenInfo),
	}
}

// Load replaces the in-memory tokens with the file contents.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var tokens []*TokenInfo
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.byHash = make(map[string]*TokenInfo, len(tokens))
	s.byID = make(map[string]*TokenInfo, len(tokens))
	for _, t := range tokens {
		s.byHash[t.TokenHash] = t
		s.byID[t.ID] = t
	}
	s.mu.Unlock()

	s.logger.Info("loaded tokens", "count", len(tokens), "path", s.path)
	return nil
}

func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byHash[hash]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

// UpdateLastUsed records the use in memory; it reaches disk on the next
// create, delete or Flush.
func (s *FileTokenStore) UpdateLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	t.LastUsedAt = s.now().UTC()
	return nil
}

func (s *FileTokenStore) CreateToken(desc, permission string) (string, *TokenInfo, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := TokenPrefix + base64.RawURLEncoding.EncodeToString(secret)
	info := &TokenInfo{
		ID:         uuid.NewString(),
		TokenHash:  HashToken(raw),
		Desc:       desc,
		Permission: permission,
		CreatedAt:  s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[info.TokenHash] = info
	s.byID[info.ID] = info
	if err := s.writeLocked(); err != nil {
		delete(s.byHash, info.TokenHash)
		delete(s.byID, info.ID)
		return "", nil, err
	}
	c := *info
	return raw, &c, nil
}

// ListTokens returns copies of every token ordered by creation time then ID.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(), nil
}

func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	delete(s.byID, id)
	delete(s.byHash, t.TokenHash)
	return s.writeLocked()
}

// Flush writes the current tokens, including last-used times, to disk.
func (s *FileTokenStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *FileTokenStore) sortedLocked() []*TokenInfo {
	tokens := make([]*TokenInfo, 0, len(s.byID))
	for _, t := range s.byID {
		c := *t
		tokens = append(tokens, &c)
	}
	slices.SortFunc(tokens, func(a, b *TokenInfo) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return tokens
}

// writeLocked replaces the token file through a rename so a crash never
// leaves it half written. Callers hold s.mu.
func (s *FileTokenStore) writeLocked() error {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist tokens: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("persist tokens: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}
