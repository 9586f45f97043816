package kevent

import (
	"fmt"
	"maps"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// queueOptions holds configuration options for Queue creation.
type queueOptions struct {
	logger  *logiface.Logger[logiface.Event]
	files   FileTable
	procs   ProcessTable
	clock   Clock
	limiter *catrate.Limiter
	metrics bool
}

// Option configures a Queue instance.
type Option interface {
	applyQueue(*queueOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyQueueFunc func(*queueOptions) error
}

func (o *optionImpl) applyQueue(opts *queueOptions) error {
	return o.applyQueueFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *queueOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithFileTable sets the descriptor table, used to resolve the idents of
// descriptor-bound filters. Without one, every descriptor-bound
// registration fails with [ErrInvalidSource].
func WithFileTable(files FileTable) Option {
	return &optionImpl{func(opts *queueOptions) error {
		opts.files = files
		return nil
	}}
}

// WithProcessTable sets the process registry used by [FilterProc]. Without
// one, every process registration fails with [ErrNoProcess].
func WithProcessTable(procs ProcessTable) Option {
	return &optionImpl{func(opts *queueOptions) error {
		opts.procs = procs
		return nil
	}}
}

// WithClock sets the clock used by timers and wait timeouts. The default is
// the system clock.
func WithClock(clock Clock) Option {
	return &optionImpl{func(opts *queueOptions) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidArgument)
		}
		opts.clock = clock
		return nil
	}}
}

// WithRegisterRateLimit limits the rate of [FlagAdd] changes, per filter
// tag, using sliding windows. Changes over the limit fail with
// [ErrResourceExhausted].
//
// Every duration and count must be positive, the count must increase with
// the window, and the effective rate must decrease with the window. For
// example, 100 per second and 1000 per minute.
func WithRegisterRateLimit(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *queueOptions) error {
		limiter, err := newRateLimiter(maps.Clone(rates))
		if err != nil {
			return err
		}
		opts.limiter = limiter
		return nil
	}}
}

// WithMetrics enables metrics collection, see [Queue.Metrics].
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *queueOptions) error {
		opts.metrics = enabled
		return nil
	}}
}

// resolveOptions applies Option instances to queueOptions.
func resolveOptions(opts []Option) (*queueOptions, error) {
	cfg := &queueOptions{
		clock: systemClock{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyQueue(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newRateLimiter converts the panic catrate.NewLimiter raises for invalid
// rates into an error.
func newRateLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			err = fmt.Errorf("%w: %v", ErrInvalidArgument, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}
