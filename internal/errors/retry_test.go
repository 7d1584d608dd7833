package errors

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), nil, func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return Transient(fmt.Errorf("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), nil, func(context.Context, int) error {
		calls++
		return Permanent(fmt.Errorf("broken for good"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, func(context.Context, int) error {
		calls++
		return New(KindTransientFailure, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsKind(err, KindTransientFailure))
}

func TestRetryAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Minute}, nil, func(context.Context, int) error {
		calls++
		cancel()
		return Transient(fmt.Errorf("flaky"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", Transient(fmt.Errorf("x")), true},
		{"explicit permanent", Permanent(fmt.Errorf("x")), false},
		{"kind transient", New(KindTransientFailure, "x"), true},
		{"kind timeout", New(KindTimeout, "x"), true},
		{"kind not found", New(KindNotFound, "x"), false},
		{"kind access denied", New(KindAccessDenied, "x"), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"exit error", &exec.ExitError{}, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"plain error", fmt.Errorf("whatever"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestKindOfFallsBackToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("wrapped: %w", New(KindNotFound, "x"))))
	assert.Equal(t, Kind(""), KindOf(nil))
}
