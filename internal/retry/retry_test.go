package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 1000 * time.Millisecond, MaxDelay: 4000 * time.Millisecond}
	want := []time.Duration{1000, 2000, 4000, 4000}
	for i, w := range want {
		require.Equal(t, w*time.Millisecond, p.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestDoStopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	p := Policy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   4 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, syscall.ECONNRESET)
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Contains(t, err.Error(), "attempt 3")
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &tracker.NotFoundError{Query: "x"}
	})
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.Equal(t, 1, calls)
}

func TestValueSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var retried []int
	p := Policy{
		MaxRetries: 3,
		Sleep:      noSleep,
		OnRetry:    func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
	}
	calls := 0
	got, err := Value(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", tracker.Transient("search", errors.New("socket hang up"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, []int{1, 2}, retried)
}

func TestCustomClassifier(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 4, Sleep: noSleep, IsRetryable: func(error) bool { return false }}
	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})
	require.Equal(t, 1, calls)
}

func TestCanceledWaitReturnsLastError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		OnRetry:    func(int, time.Duration, error) { cancel() },
	}
	err := p.Do(ctx, func(context.Context) error { return syscall.ECONNRESET })
	require.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"reset", syscall.ECONNRESET, true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "example.invalid"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"marked", tracker.Transient("op", errors.New("boom")), true},
		{"signature", errors.New("request aborted by peer"), true},
		{"plain", errors.New("bad credentials"), false},
		{"validation", &tracker.ValidationError{Field: "code", Reason: "empty"}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsTransient(tc.err), tc.name)
	}
}
