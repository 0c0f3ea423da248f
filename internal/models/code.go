package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ProvisionalPrefix marks codes that the remote authority has not accepted yet.
const ProvisionalPrefix = "TMP-"

// ErrInvalidSerial is returned when a code is requested for a non-positive serial.
var ErrInvalidSerial = errors.New("serial must be positive")

// BuildCode returns the canonical code {scope-}{PREFIX}-{period-}{serial}.
// The scope part is omitted for GLOBAL records and the period part for
// PERMANENT ones.
func BuildCode(r *Record) (string, error) {
	if r.Serial <= 0 {
		return "", fmt.Errorf("build code for %s: %w", r.Kind, ErrInvalidSerial)
	}
	prefix := r.Kind.Prefix()
	if prefix == "" {
		return "", fmt.Errorf("build code: unknown record kind %q", r.Kind)
	}

	var b strings.Builder
	if scope := norm.NFC.String(r.Scope); scope != "" && scope != GlobalScope {
		b.WriteString(scope)
		b.WriteByte('-')
	}
	b.WriteString(prefix)
	b.WriteByte('-')
	if period := norm.NFC.String(r.Period); period != "" && period != PermanentPeriod {
		b.WriteString(period)
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(r.Serial, 10))
	return b.String(), nil
}

// BuildProvisionalCode returns BuildCode prefixed with TMP-.
func BuildProvisionalCode(r *Record) (string, error) {
	code, err := BuildCode(r)
	if err != nil {
		return "", err
	}
	return ProvisionalPrefix + code, nil
}

// IsProvisional reports whether code carries the TMP- prefix.
func IsProvisional(code string) bool {
	return strings.HasPrefix(code, ProvisionalPrefix)
}

// StripProvisional removes a leading TMP- prefix, if any.
func StripProvisional(code string) string {
	return strings.TrimPrefix(code, ProvisionalPrefix)
}
