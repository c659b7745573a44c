// Package supervisor runs the engine's long-lived goroutines under one context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "pulsecron/pkg/logx"
)

// Supervisor owns a cancelable context and every goroutine started through it.
// Panics become errors. With WithCancelOnError the first failure cancels the
// context for everyone.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	idle     chan struct{}

	failed atomic.Pointer[error]

	mu      sync.Mutex
	workers map[string]*worker
	started uint64
	active  int64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// GoroutineStats aggregates every run that shared a name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

// Snapshot is what /stats reports for the supervisor.
type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type worker struct {
	stats GoroutineStats
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		idle:    make(chan struct{}),
		workers: make(map[string]*worker),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every goroutine to stop and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	if p := s.failed.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Active: s.active, Started: s.started}
	out.Goroutines = make([]GoroutineStats, 0, len(s.workers))
	for _, w := range s.workers {
		out.Goroutines = append(out.Goroutines, w.stats)
	}
	s.mu.Unlock()

	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}
	slices.SortFunc(out.Goroutines, func(a, b GoroutineStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Go runs fn once. A non-nil error other than context.Canceled, or a panic,
// counts as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launch(func() {
		err, panicked := s.attempt(name, false, fn)
		if err != nil && !panicked {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.settle(name, err, panicked)
		if err != nil {
			s.fail(err)
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	limit       int // 0 means unlimited
	healthy     time.Duration
	next        time.Duration
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(floor, ceil time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// delay returns the wait before the next restart. A run that stayed up for the
// healthy window resets the backoff.
func (p *restartPolicy) delay(ranFor time.Duration) time.Duration {
	if ranFor >= p.healthy || p.next == 0 {
		p.next = p.floor
	}
	d := p.next
	p.next = min(p.next*2, p.ceil)
	return d
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// with backoff after every error or panic.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second, healthy: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	pol.ceil = max(pol.ceil, pol.floor)

	s.launch(func() {
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err, panicked := s.attempt(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				s.settle(name, nil, panicked)
				return
			}
			s.settle(name, err, panicked)

			if pol.limit > 0 && restarts >= pol.limit {
				s.log.Error("goroutine exhausted restarts",
					logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			wait := pol.delay(time.Since(began))
			s.log.Warn("goroutine failed; restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns the
// first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) launch(body func()) {
	s.mu.Lock()
	s.started++
	s.active++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		body()
	}()
}

// attempt records the start of one run and calls fn with panic recovery.
// context.Canceled is not an error.
func (s *Supervisor) attempt(name string, restart bool, fn func(ctx context.Context) error) (err error, panicked bool) {
	s.mu.Lock()
	w := s.workers[name]
	if w == nil {
		w = &worker{stats: GoroutineStats{Name: name}}
		s.workers[name] = w
	}
	w.stats.Started++
	w.stats.Active++
	if restart {
		w.stats.Restarts++
	}
	w.stats.LastStartAt = time.Now()
	s.mu.Unlock()
	s.log.Debug("goroutine started", logx.String("name", name), logx.Bool("restart", restart))

	defer func() {
		if r := recover(); r != nil {
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(4, 24)),
			)
		}
	}()
	if err = fn(s.ctx); errors.Is(err, context.Canceled) {
		err = nil
	}
	return err, false
}

func (s *Supervisor) settle(name string, err error, panicked bool) {
	s.mu.Lock()
	st := &s.workers[name].stats
	st.Active = max(st.Active-1, 0)
	st.LastStopAt = time.Now()
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
	s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
}

func (s *Supervisor) fail(err error) {
	s.failed.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}
