package backoff

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestPolicy(maxRetries int, base time.Duration) (Policy, *sleepRecorder) {
	rec := &sleepRecorder{}
	p := NewPolicy(maxRetries, base)
	p.Sleep = rec.sleep
	return p, rec
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(2, 0)
	require.Equal(t, DefaultBaseDelay, p.BaseDelay)
	require.Equal(t, 2, p.MaxRetries)

	p = NewPolicy(-1, time.Second)
	require.Equal(t, 0, p.MaxRetries)
}

func TestDo_DelaysDoublePerAttempt(t *testing.T) {
	p, rec := newTestPolicy(4, 100*time.Millisecond)
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		return connErr{}
	}, func(error) bool { return true }, nil)

	require.ErrorIs(t, err, connErr{})
	require.Equal(t, 5, attempts)
	require.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond,
	}, rec.delays)
}

func TestDo_ZeroPolicyUsesDefaultDelay(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{MaxRetries: 1, Sleep: rec.sleep}
	calls := 0
	var notified []int
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return connErr{}
		}
		return nil
	}, func(error) bool { return true }, func(attempt int, _ time.Duration, _ error) {
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, []int{1}, notified)
	require.Equal(t, []time.Duration{DefaultBaseDelay}, rec.delays)
}

func TestDo_RejectedErrorStops(t *testing.T) {
	p, rec := newTestPolicy(3, time.Second)
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		return errors.New("conflict")
	}, func(error) bool { return false }, nil)

	require.EqualError(t, err, "conflict")
	require.Equal(t, 1, attempts)
	require.Empty(t, rec.delays)
}

func TestDo_SleepErrorEndsRetries(t *testing.T) {
	errSleep := errors.New("clock stopped")
	p := Policy{MaxRetries: 3, BaseDelay: time.Second, Sleep: func(context.Context, time.Duration) error {
		return errSleep
	}}
	calls := 0
	_, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return connErr{}
	}, func(error) bool { return true }, nil)

	require.ErrorIs(t, err, errSleep)
	require.Equal(t, 1, calls)
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	p, rec := newTestPolicy(2, time.Second)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, func(Notice) { t.Fatal("unexpected retry") })

	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, rec.delays)
}

func TestRun_RateLimitThenSuccess(t *testing.T) {
	p, rec := newTestPolicy(2, time.Second)
	calls := 0
	var notices []Notice
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return statusErr{http.StatusTooManyRequests}
		}
		return nil
	}, func(n Notice) { notices = append(notices, n) })

	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, notices, 1)
	require.Equal(t, 1, notices[0].Attempt)
	require.Equal(t, ClassRateLimit, notices[0].Class)
	require.Equal(t, time.Second, notices[0].Delay)
	require.Contains(t, notices[0].Message, "retrying in 1s")
	require.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestRun_ExhaustsRetries(t *testing.T) {
	p, rec := newTestPolicy(2, time.Second)
	calls := 0
	var attempts []int
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return connErr{}
	}, func(n Notice) { attempts = append(attempts, n.Attempt) })

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.True(t, failure.Exhausted)
	require.Equal(t, ClassConnection, failure.Class)
	require.Equal(t, 3, failure.Attempts)
	require.Contains(t, failure.Error(), "after 3 attempts")
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestRun_TerminalFailureIsNotRetried(t *testing.T) {
	p, rec := newTestPolicy(2, time.Second)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return statusErr{http.StatusBadRequest}
	}, nil)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.False(t, failure.Exhausted)
	require.Equal(t, ClassProvider, failure.Class)
	require.Equal(t, 1, failure.Attempts)
	require.Equal(t, 1, calls)
	require.Empty(t, rec.delays)

	var status statusErr
	require.ErrorAs(t, err, &status)
}

func TestRun_RecoversPanic(t *testing.T) {
	p, _ := newTestPolicy(2, time.Second)
	err := p.Run(context.Background(), func(context.Context) error {
		panic("nil map write")
	}, nil)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, ClassUnexpected, failure.Class)
	require.Contains(t, failure.Error(), "nil map write")
}

func TestRun_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(2, time.Hour)
	calls := 0
	err := p.Run(ctx, func(context.Context) error {
		calls++
		return connErr{}
	}, func(Notice) { cancel() })

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, ClassCanceled, failure.Class)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, calls)
}

func TestRun_ContextExpiredAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, rec := newTestPolicy(2, time.Second)
	err := p.Run(ctx, func(context.Context) error {
		cancel()
		return connErr{}
	}, nil)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, ClassCanceled, failure.Class)
	require.Empty(t, rec.delays)
}
