package pulse

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "pulsecron/pkg/logx"
)

// LoopConfig controls the serializing host.
type LoopConfig struct {
	// MinInterval is the minimum spacing between self-triggered ticks.
	// 0 means ticks run back-to-back.
	MinInterval time.Duration
	// QueueSize bounds pending Do calls.
	QueueSize int
}

type op struct {
	fn   func(ctx context.Context, d *Driver)
	done chan struct{}
}

// Loop is a single-goroutine host for a Driver. Every engine call goes through
// Do, so the driver and its scheduler are never touched concurrently. It is the
// Driver's Trigger: RequestTick schedules a Tick on the loop goroutine.
type Loop struct {
	driver  *Driver
	log     logx.Logger
	limiter *rate.Limiter

	ops  chan op
	wake chan struct{}

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
}

// NewLoop binds a loop to d and installs itself as d's trigger.
func NewLoop(d *Driver, cfg LoopConfig, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	l := &Loop{
		driver:  d,
		log:     log,
		limiter: lim,
		ops:     make(chan op, cfg.QueueSize),
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.SetTrigger(l)
	return l
}

// RequestTick implements Trigger. Requests made while one is already pending
// are coalesced.
func (l *Loop) RequestTick() error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the loop goroutine and waits for it to finish. ctx bounds only
// the wait to be accepted; an error therefore means fn did not run. Do must not
// be called on a loop whose Run is never started.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context, d *Driver)) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case l.ops <- o:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the op will run, so ctx no longer applies: returning early
	// would report a failure for work that still happens.
	select {
	case <-o.done:
		return nil
	case <-l.done:
		// Run drains accepted ops before closing done; re-check to avoid a lost result.
		select {
		case <-o.done:
			return nil
		default:
			return ErrLoopStopped
		}
	}
}

// Run serves ops and ticks until ctx is canceled. It must be called once.
// Ops already accepted when ctx is canceled still run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	first := false
	l.startOnce.Do(func() { first = true })
	if !first {
		return nil
	}
	close(l.started)
	defer close(l.done)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	l.log.Debug("pulse loop started")
	for {
		select {
		case <-ctx.Done():
			l.drain(ctx)
			l.log.Debug("pulse loop stopped")
			return nil
		case o := <-l.ops:
			l.run(ctx, o)
		case <-l.wake:
			if timerC != nil {
				continue
			}
			if delay := l.limiter.Reserve().Delay(); delay > 0 {
				timer = time.NewTimer(delay)
				timerC = timer.C
				continue
			}
			l.tick(ctx)
		case <-timerC:
			timerC = nil
			l.tick(ctx)
		}
	}
}

// Started is closed once Run has begun serving.
func (l *Loop) Started() <-chan struct{} { return l.started }

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) tick(ctx context.Context) {
	out := l.driver.Tick(ctx)
	if out.Fired > 0 {
		l.log.Debug("pulse tick",
			logx.Uint64("now", out.Now),
			logx.Int("fired", out.Fired),
			logx.Int("failed", out.Failed),
			logx.Bool("again", out.Again),
		)
	}
}

func (l *Loop) run(ctx context.Context, o op) {
	defer close(o.done)
	defer func() {
		if v := recover(); v != nil {
			l.log.Error("pulse op panicked", logx.Any("panic", v), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	o.fn(ctx, l.driver)
}

func (l *Loop) drain(ctx context.Context) {
	for {
		select {
		case o := <-l.ops:
			l.run(ctx, o)
		default:
			return
		}
	}
}
