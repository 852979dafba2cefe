package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobmcallan/kabuka/internal/common"
)

// fakeTimer fires immediately and records every requested wait.
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func (f *fakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	f.c <- time.Now()
}

func (f *fakeTimer) Stop()               {}
func (f *fakeTimer) C() <-chan time.Time { return f.c }

func (f *fakeTimer) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

func useFakeTimer(t *testing.T) *fakeTimer {
	t.Helper()
	ft := &fakeTimer{c: make(chan time.Time, 1)}
	prev := newTimer
	newTimer = func() backoff.Timer { return ft }
	t.Cleanup(func() { newTimer = prev })
	return ft
}

func serverError() error {
	return &common.TransportError{Op: "daily_quotes", StatusCode: 503, Err: errors.New("service unavailable")}
}

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

func TestDoValue_SucceedsOnThirdAttempt(t *testing.T) {
	ft := useFakeTimer(t)

	calls := 0
	got, err := DoValue(context.Background(), API, IsRetryable, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", serverError()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, ft.recorded())
}

func TestDo_DefaultPolicyWaitsAreFlat(t *testing.T) {
	ft := useFakeTimer(t)

	calls := 0
	err := Do(context.Background(), Default, nil, func(ctx context.Context) error {
		calls++
		return serverError()
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, ft.recorded())

	var te *common.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestDo_BackoffIsCapped(t *testing.T) {
	ft := useFakeTimer(t)

	p := API.WithMaxAttempts(5)
	_ = Do(context.Background(), p, IsRetryable, func(ctx context.Context) error {
		return serverError()
	})

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}, ft.recorded())
}

func TestDo_NotFoundIsNotRetried(t *testing.T) {
	ft := useFakeTimer(t)

	calls := 0
	err := Do(context.Background(), API, IsRetryable, func(ctx context.Context) error {
		calls++
		return statusErr(404)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, ft.recorded())
	assert.Equal(t, statusErr(404), err)
}

func TestDo_CancelledContextStops(t *testing.T) {
	useFakeTimer(t)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, API, IsRetryable, func(ctx context.Context) error {
		calls++
		cancel()
		return serverError()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptTimeoutIsRetried(t *testing.T) {
	ft := useFakeTimer(t)

	p := Default.WithAttemptTimeout(10 * time.Millisecond)
	calls := 0
	err := Do(context.Background(), p, IsRetryable, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, ft.recorded(), 1)
}

func TestFromConfig(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Retry.MaxAttempts = 5
	cfg.Timeout = "12s"

	p := FromConfig(API, cfg)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 12*time.Second, p.AttemptTimeout)
	assert.Equal(t, 3, API.MaxAttempts)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport 503", serverError(), true},
		{"transport without status", &common.TransportError{Op: "auth", Err: io.EOF}, true},
		{"status 500", statusErr(500), true},
		{"status 404", statusErr(404), false},
		{"status 401", statusErr(401), false},
		{"googleapi 503", &googleapi.Error{Code: 503}, true},
		{"googleapi 409", &googleapi.Error{Code: 409}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"grpc not found", status.Error(codes.NotFound, "nope"), false},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"unexpected eof", fmt.Errorf("body: %w", io.ErrUnexpectedEOF), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"auth", &common.AuthError{Source: "refresh", Err: errors.New("bad token")}, false},
		{"plain", errors.New("bad data"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
