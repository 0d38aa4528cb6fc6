package lazy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const tracerName = "github.com/coder/lazyshared/lazy"

// State is the lifecycle state of a Cell.
type State int32

const (
	StateEmpty State = iota
	StateConstructing
	StateFilled
	// StatePoisoned is terminal. Every Load returns the failure that
	// poisoned the cell.
	StatePoisoned
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateConstructing:
		return "constructing"
	case StateFilled:
		return "filled"
	case StatePoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what a Cell does after its constructor fails.
type FailurePolicy int

const (
	// PoisonPolicy keeps the first failure forever.
	PoisonPolicy FailurePolicy = iota
	// RetryPolicy empties the cell so a later Load constructs again, once the
	// retry backoff has elapsed.
	RetryPolicy
)

func (p FailurePolicy) String() string {
	switch p {
	case PoisonPolicy:
		return "poison"
	case RetryPolicy:
		return "retry"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses the output of FailurePolicy.String.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "poison":
		return PoisonPolicy, nil
	case "retry":
		return RetryPolicy, nil
	default:
		return 0, xerrors.Errorf("unknown failure policy %q", s)
	}
}

type CellOptions struct {
	// Name identifies the cell in logs, metrics, traces and errors.
	Name string
	// Eager constructs the value inside NewCell. A failure is handled by
	// Policy like any other.
	Eager bool
	// Policy defaults to PoisonPolicy.
	Policy FailurePolicy
	// RetryBackoff spaces out attempts under RetryPolicy. Only called with the
	// cell locked. Defaults to retrying on the next Load. Returning
	// backoff.Stop poisons the cell.
	RetryBackoff backoff.BackOff

	Logger         slog.Logger
	Clock          quartz.Clock
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
}

// Cell is a value constructed at most once by a fallible, context-aware
// constructor. Once filled, Load is a single atomic read.
//
// Callers that arrive while a construction is in flight wait for it, or until
// their context is done. If the constructor calls Load on its own cell with
// the context it was given, Load returns ErrReentrant instead of deadlocking.
type Cell[T any] struct {
	fn           func(ctx context.Context) (T, error)
	name         string
	policy       FailurePolicy
	retryBackoff backoff.BackOff
	logger       slog.Logger
	clock        quartz.Clock
	metrics      *Metrics
	tracer       trace.Tracer
	key          *constructingKey

	// filled is only stored once the constructor has returned.
	filled atomic.Pointer[T]

	mu       sync.Mutex // Protects following fields.
	state    State
	inflight *attempt[T]
	attempts int
	failure  *ConstructionError
	retryAt  time.Time
}

// constructingKey marks contexts handed to a cell's constructor. It must not
// be zero-sized, so that every cell gets a distinct pointer.
type constructingKey struct {
	name string
}

// attempt is one run of the constructor. value and err are written before
// done is closed.
type attempt[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func NewCell[T any](fn func(ctx context.Context) (T, error), opts CellOptions) *Cell[T] {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = &backoff.ZeroBackOff{}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}

	c := &Cell[T]{
		fn:           fn,
		name:         opts.Name,
		policy:       opts.Policy,
		retryBackoff: opts.RetryBackoff,
		logger:       opts.Logger.Named("lazy").With(slog.F("name", opts.Name)),
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		tracer:       opts.TracerProvider.Tracer(tracerName),
		key:          &constructingKey{name: opts.Name},
	}
	if opts.Eager {
		// The outcome stays in the cell and is what Load reports.
		_, _ = c.Load(context.Background())
	}
	return c
}

// Load returns the value, constructing it if the cell is empty.
func (c *Cell[T]) Load(ctx context.Context) (T, error) {
	if p := c.filled.Load(); p != nil {
		return *p, nil
	}
	return c.loadSlow(ctx)
}

func (c *Cell[T]) loadSlow(ctx context.Context) (T, error) {
	var zero T
	if ctx.Value(c.key) != nil {
		return zero, ErrReentrant
	}

	c.mu.Lock()
	if p := c.filled.Load(); p != nil {
		c.mu.Unlock()
		return *p, nil
	}
	switch c.state {
	case StatePoisoned:
		err := c.failure
		c.mu.Unlock()
		return zero, err
	case StateConstructing:
		a := c.inflight
		c.mu.Unlock()
		return c.wait(ctx, a)
	}

	if c.failure != nil && c.clock.Now().Before(c.retryAt) {
		last := c.failure
		c.mu.Unlock()
		c.metrics.recordBackoffRejection(c.name)
		return zero, &backoffError{last: last}
	}

	c.attempts++
	n := c.attempts
	a := &attempt[T]{done: make(chan struct{})}
	c.state = StateConstructing
	c.inflight = a
	c.mu.Unlock()

	c.construct(ctx, a, n)
	return a.value, a.err
}

func (c *Cell[T]) wait(ctx context.Context, a *attempt[T]) (T, error) {
	c.metrics.addWaiter(c.name, 1)
	defer c.metrics.addWaiter(c.name, -1)

	select {
	case <-a.done:
		return a.value, a.err
	case <-ctx.Done():
		var zero T
		return zero, xerrors.Errorf("wait for in-flight construction: %w", ctx.Err())
	}
}

func (c *Cell[T]) construct(ctx context.Context, a *attempt[T], n int) {
	ctx, span := c.tracer.Start(ctx, "lazy.construct", trace.WithAttributes(
		attribute.String("lazy.name", c.name),
		attribute.Int("lazy.attempt", n),
	))
	defer span.End()

	c.logger.Debug(ctx, "constructing value", slog.F("attempt", n))
	start := c.clock.Now()

	// The attempt is resolved in a defer so that a constructor which ends its
	// goroutine with runtime.Goexit still releases the cell and its waiters.
	var (
		value    T
		panicked bool
		err      = ErrConstructorExited
	)
	defer func() {
		c.resolve(ctx, span, a, n, c.clock.Since(start), value, panicked, err)
	}()
	value, panicked, err = c.call(context.WithValue(ctx, c.key, struct{}{}))
}

// resolve moves the cell out of StateConstructing, publishes the outcome of
// attempt a and wakes its waiters.
func (c *Cell[T]) resolve(ctx context.Context, span trace.Span, a *attempt[T], n int, elapsed time.Duration, value T, panicked bool, err error) {
	var cerr *ConstructionError
	if err != nil {
		cerr = &ConstructionError{
			Name:     c.name,
			Attempt:  n,
			Panicked: panicked,
			Err:      err,
		}
	}

	c.mu.Lock()
	if cerr == nil {
		a.value = value
		c.filled.Store(&value)
		c.state = StateFilled
		c.failure = nil
	} else {
		a.err = cerr
		c.failLocked(ctx, cerr)
	}
	state := c.state
	c.inflight = nil
	c.mu.Unlock()
	close(a.done)

	switch {
	case cerr == nil:
		c.metrics.recordConstruction(c.name, ResultSuccess, elapsed)
		c.logger.Debug(ctx, "value constructed",
			slog.F("attempt", n),
			slog.F("elapsed", elapsed),
		)
	default:
		result := ResultFailure
		if panicked {
			result = ResultPanic
		}
		c.metrics.recordConstruction(c.name, result, elapsed)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "construction failed")
		c.logger.Warn(ctx, "construction failed",
			slog.F("attempt", n),
			slog.F("elapsed", elapsed),
			slog.F("state", state.String()),
			slog.Error(err),
		)
	}
}

// failLocked moves the cell out of StateConstructing after a failed attempt.
// c.mu must be held.
func (c *Cell[T]) failLocked(ctx context.Context, cerr *ConstructionError) {
	c.failure = cerr
	c.retryAt = time.Time{}

	// The constructing caller gave up; that says nothing about the value.
	if ctx.Err() != nil && xerrors.Is(cerr.Err, ctx.Err()) {
		c.state = StateEmpty
		return
	}

	if c.policy == RetryPolicy {
		next := c.retryBackoff.NextBackOff()
		if next != backoff.Stop {
			c.retryAt = c.clock.Now().Add(next)
			c.state = StateEmpty
			return
		}
	}
	c.state = StatePoisoned
}

func (c *Cell[T]) call(ctx context.Context) (value T, panicked bool, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		panicked = true
		if rerr, ok := r.(error); ok {
			err = rerr
			return
		}
		err = xerrors.Errorf("%v", r)
	}()
	value, err = c.fn(ctx)
	return value, false, err
}

// Peek returns the value if the cell is filled, without blocking or
// constructing.
func (c *Cell[T]) Peek() (T, bool) {
	if p := c.filled.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

func (c *Cell[T]) State() State {
	if c.filled.Load() != nil {
		return StateFilled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many times the constructor has been started.
func (c *Cell[T]) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
