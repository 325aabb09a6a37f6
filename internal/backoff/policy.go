package backoff

import (
	"context"
	"fmt"
	"math"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = time.Second
)

// Notice describes one scheduled retry.
type Notice struct {
	Attempt int // 1-indexed attempt that just failed
	Delay   time.Duration
	Class   Class
	Message string
	Err     error
}

// Failure is the outcome of a Run that did not succeed.
type Failure struct {
	Class     Class
	Attempts  int
	Exhausted bool
	Err       error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Exhausted {
		return fmt.Sprintf("%s: still failing after %d attempts: %v", f.Class.describe(), f.Attempts, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Class.describe(), f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Policy retries an operation on an exponential backoff schedule. A zero
// BaseDelay uses DefaultBaseDelay; a zero MaxRetries means a single attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Sleep suspends between attempts; nil waits on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a Policy with non-positive values replaced by defaults.
// A negative maxRetries means no retries.
func NewPolicy(maxRetries int, baseDelay time.Duration) Policy {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{MaxRetries: maxRetries, BaseDelay: baseDelay}
}

func (p Policy) maxRetries() int {
	if p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

// schedule waits base * 2^k after the failed attempt k (0-indexed) and
// stops after MaxRetries waits or once ctx is done.
func (p Policy) schedule(ctx context.Context) cenkalti.BackOff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	exp := cenkalti.NewExponentialBackOff(
		cenkalti.WithInitialInterval(base),
		cenkalti.WithMultiplier(2),
		cenkalti.WithRandomizationFactor(0),
		cenkalti.WithMaxInterval(time.Duration(math.MaxInt64)),
		cenkalti.WithMaxElapsedTime(0),
	)
	return cenkalti.WithContext(cenkalti.WithMaxRetries(exp, uint64(p.maxRetries())), ctx)
}

// Do invokes op until it succeeds, returns an error retryable rejects, or
// the retry budget is spent. notify is called before every wait with the
// number of attempts made so far. Do returns the attempts made and op's last
// error, or ctx's error when ctx ends during a wait.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool, notify func(attempt int, d time.Duration, err error)) (int, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	attempts := 0
	operation := func() error {
		attempts++
		err := invoke(ctx, op)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return cenkalti.Permanent(err)
		}
		return err
	}
	var onWait cenkalti.Notify
	if notify != nil {
		onWait = func(err error, d time.Duration) { notify(attempts, d, err) }
	}
	var timer cenkalti.Timer
	if p.Sleep != nil {
		timer = &sleepTimer{ctx: runCtx, cancel: cancel, sleep: p.Sleep, c: make(chan time.Time, 1)}
	}

	err := cenkalti.RetryNotifyWithTimer(operation, p.schedule(runCtx), onWait, timer)
	if err != nil && ctx.Err() == nil && runCtx.Err() != nil {
		err = context.Cause(runCtx)
	}
	return attempts, err
}

// Run is Do with errors retried by their Class. onRetry is called before
// every backoff wait. The returned error is nil or a *Failure; a panic
// inside op is recovered into a ClassUnexpected failure.
func (p Policy) Run(ctx context.Context, op func(ctx context.Context) error, onRetry func(Notice)) error {
	retryable := func(err error) bool { return Classify(err).Retryable() }
	notify := func(attempt int, d time.Duration, err error) {
		if onRetry == nil {
			return
		}
		class := Classify(err)
		onRetry(Notice{
			Attempt: attempt,
			Delay:   d,
			Class:   class,
			Message: fmt.Sprintf("%s, retrying in %s...", class.describe(), d),
			Err:     err,
		})
	}

	attempts, err := p.Do(ctx, op, retryable, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &Failure{Class: ClassCanceled, Attempts: attempts, Err: err}
	}
	class := Classify(err)
	if !class.Retryable() {
		return &Failure{Class: class, Attempts: attempts, Err: err}
	}
	return &Failure{Class: class, Attempts: attempts, Exhausted: true, Err: err}
}

// sleepTimer runs a Policy's Sleep in place of a wall clock timer. A failed
// sleep cancels the retry loop with its error.
type sleepTimer struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	sleep  func(ctx context.Context, d time.Duration) error
	c      chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	if err := t.sleep(t.ctx, d); err != nil {
		t.cancel(err)
		return
	}
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

func invoke(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in upstream call: %v", r)
		}
	}()
	return op(ctx)
}
