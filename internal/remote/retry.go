package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/h3org/h3sync/internal/models"
)

// RetryConfig bounds how reads against the master are retried.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFraction spreads each delay by up to this share either way.
	JitterFraction float64
}

// DefaultRetryConfig returns the settings used when the replica config has
// no [retry] table.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient retries the read side of a Master. Commit is passed through
// once: a lost response leaves the entry queued, and the next sync resends
// it under the same entry ID, which the master answers with the original
// acceptance.
type RetryClient struct {
	inner Master
	cfg   RetryConfig
	// jitter returns a value in [-1, 1).
	jitter func() float64
	wait   func(context.Context, time.Duration) error
}

var _ Master = (*RetryClient)(nil)

// NewRetryClient wraps inner. A nil cfg selects DefaultRetryConfig.
func NewRetryClient(inner Master, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{
		inner:  inner,
		cfg:    *cfg,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
		wait:   sleep,
	}
}

// retryable reports whether err may succeed on a later attempt: server
// failures, throttling and transport errors, but never a cancelled context.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	return true
}

// delay is the pause before retry number attempt (0-based). A Retry-After
// hint from the server replaces the computed backoff; both are capped.
func (rc *RetryClient) delay(attempt int, err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return min(re.RetryAfter, rc.cfg.MaxBackoff)
	}

	d := rc.cfg.InitialBackoff << attempt
	if d <= 0 || d > rc.cfg.MaxBackoff {
		d = rc.cfg.MaxBackoff
	}
	if rc.cfg.JitterFraction > 0 {
		d += time.Duration(float64(d) * rc.cfg.JitterFraction * rc.jitter())
	}
	return max(d, 0)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
func (rc *RetryClient) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !retryable(err) {
			return err
		}
		if attempt == rc.cfg.MaxRetries {
			return fmt.Errorf("%s: %w (after %d retries)", op, err, attempt)
		}
		if werr := rc.wait(ctx, rc.delay(attempt, err)); werr != nil {
			return fmt.Errorf("%s: %w (retry cancelled)", op, err)
		}
	}
}

func (rc *RetryClient) HighestSyncedSerial(ctx context.Context, kind models.Kind, scope string) (serial int64, err error) {
	err = rc.retry(ctx, "highest serial", func() error {
		serial, err = rc.inner.HighestSyncedSerial(ctx, kind, scope)
		return err
	})
	return serial, err
}

func (rc *RetryClient) Commit(ctx context.Context, item *models.JournalItem) (*CommitResult, error) {
	return rc.inner.Commit(ctx, item)
}

func (rc *RetryClient) JournalSince(ctx context.Context, cursor int64, vis *models.Visibility) (items []*models.JournalItem, err error) {
	err = rc.retry(ctx, "journal since", func() error {
		items, err = rc.inner.JournalSince(ctx, cursor, vis)
		return err
	})
	return items, err
}
