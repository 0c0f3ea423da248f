package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/h3org/h3sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyMaster fails the first failures calls of every method.
type flakyMaster struct {
	failures int
	calls    map[string]int
	err      error
}

func newFlakyMaster(failures int, err error) *flakyMaster {
	return &flakyMaster{failures: failures, calls: make(map[string]int), err: err}
}

func (f *flakyMaster) hit(op string) error {
	f.calls[op]++
	if f.calls[op] <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyMaster) HighestSyncedSerial(_ context.Context, _ models.Kind, _ string) (int64, error) {
	if err := f.hit("highest"); err != nil {
		return 0, err
	}
	return 7, nil
}

func (f *flakyMaster) Commit(_ context.Context, _ *models.JournalItem) (*CommitResult, error) {
	if err := f.hit("commit"); err != nil {
		return nil, err
	}
	return &CommitResult{Outcome: OutcomeAccepted, Serial: 1}, nil
}

func (f *flakyMaster) JournalSince(_ context.Context, _ int64, _ *models.Visibility) ([]*models.JournalItem, error) {
	if err := f.hit("since"); err != nil {
		return nil, err
	}
	return []*models.JournalItem{{Entry: &models.JournalEntry{Serial: 1}}}, nil
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

// recordWaits replaces the client's sleep with one that records delays.
func recordWaits(rc *RetryClient) *[]time.Duration {
	var waits []time.Duration
	rc.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &RemoteError{Status: 500}, true},
		{"unavailable", &RemoteError{Status: http.StatusServiceUnavailable}, true},
		{"throttled", &RemoteError{Status: http.StatusTooManyRequests}, true},
		{"not found", &RemoteError{Status: 404}, false},
		{"unauthorized", &RemoteError{Status: 401}, false},
		{"transport", errors.New("connection refused"), true},
		{"cancelled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("journal head: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestDelay_DoublesUpToCap(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	fail := &RemoteError{Status: 500}

	assert.Equal(t, 100*time.Millisecond, rc.delay(0, fail))
	assert.Equal(t, 200*time.Millisecond, rc.delay(1, fail))
	assert.Equal(t, 800*time.Millisecond, rc.delay(3, fail))
	assert.Equal(t, time.Second, rc.delay(4, fail))
	assert.Equal(t, time.Second, rc.delay(70, fail))
}

func TestDelay_Jitter(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute, JitterFraction: 0.5})
	fail := errors.New("reset")

	rc.jitter = func() float64 { return -1 }
	assert.Equal(t, 500*time.Millisecond, rc.delay(0, fail))
	rc.jitter = func() float64 { return 0.5 }
	assert.Equal(t, 1250*time.Millisecond, rc.delay(0, fail))
}

func TestDelay_HonoursRetryAfter(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Second})

	assert.Equal(t, 3*time.Second, rc.delay(0, &RemoteError{Status: 429, RetryAfter: 3 * time.Second}))
	assert.Equal(t, 10*time.Second, rc.delay(0, &RemoteError{Status: 429, RetryAfter: time.Minute}))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{MaxRetries: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second})
	waits := recordWaits(rc)

	attempts := 0
	err := rc.retry(context.Background(), "op", func() error {
		attempts++
		if attempts < 3 {
			return &RemoteError{Status: 502}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *waits)
}

func TestRetry_GivesUp(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Second})
	recordWaits(rc)

	attempts := 0
	cause := &RemoteError{Status: 500, Code: "internal_error"}
	err := rc.retry(context.Background(), "journal since", func() error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorReturnedAsIs(t *testing.T) {
	rc := NewRetryClient(nil, fastRetry())
	waits := recordWaits(rc)

	cause := &RemoteError{Status: 403, Code: "forbidden"}
	err := rc.retry(context.Background(), "op", func() error { return cause })

	assert.Same(t, cause, err)
	assert.Empty(t, *waits)
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := rc.retry(ctx, "op", func() error {
		attempts++
		return &RemoteError{Status: 500}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

func TestRetryClient_ReadsRetried(t *testing.T) {
	inner := newFlakyMaster(2, &RemoteError{Status: 503, Code: "unavailable"})
	rc := NewRetryClient(inner, fastRetry())

	serial, err := rc.HighestSyncedSerial(context.Background(), models.KindBase, models.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, int64(7), serial)
	assert.Equal(t, 3, inner.calls["highest"])

	items, err := rc.JournalSince(context.Background(), 0, &models.Visibility{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 3, inner.calls["since"])
}

func TestRetryClient_CommitNotRetried(t *testing.T) {
	inner := newFlakyMaster(1, errors.New("connection reset"))
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.Commit(context.Background(), &models.JournalItem{})
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls["commit"])
}

func TestRetryClient_RetryAfterFromServer(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited","message":"read rate limit exceeded"}`))
			return
		}
		w.Write([]byte(`{"serial":9}`))
	}))
	defer ts.Close()

	rc := NewRetryClient(NewHTTPClient(ts.URL, "tok"), fastRetry())
	rc.cfg.MaxBackoff = time.Minute
	waits := recordWaits(rc)

	var head int64
	err := rc.retry(context.Background(), "head", func() (err error) {
		head, err = rc.inner.(*HTTPClient).Head(context.Background())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), head)
	assert.Equal(t, []time.Duration{2 * time.Second}, *waits)
}
