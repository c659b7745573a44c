package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pulsecron/internal/eventbus"
	"pulsecron/internal/task/scheduler"
	logx "pulsecron/pkg/logx"
)

type kindHandler struct {
	name string
	fn   Handler
}

// Registry maps kind discriminants to handlers.
//
// Handlers are normally registered during init, before the first tick. Dispatch
// runs on the caller's goroutine; the registry does not queue or retry.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	handlers map[uint8]kindHandler

	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []Delivery

	delivered atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Registry{
		cfg:      cfg,
		handlers: map[uint8]kindHandler{},
		log:      log,
		bus:      bus,
	}
}

// Apply swaps timeout/history settings at runtime.
func (r *Registry) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	r.hmu.Lock()
	if over := len(r.history) - cfg.HistorySize; over > 0 {
		r.history = append([]Delivery(nil), r.history[over:]...)
	}
	r.hmu.Unlock()
}

// Handle registers fn for kind. Registering a kind twice is an error.
func (r *Registry) Handle(kind uint8, name string, fn Handler) error {
	if fn == nil {
		return errors.New("handler required")
	}
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.handlers[kind]; ok {
		return fmt.Errorf("%w: kind %d (%s)", ErrDuplicate, kind, prev.name)
	}
	r.handlers[kind] = kindHandler{name: name, fn: fn}
	r.log.Debug("task kind registered", logx.Int("kind", int(kind)), logx.String("name", name))
	return nil
}

// Register registers a typed handler; the payload is decoded into T first.
func Register[T any](r *Registry, kind uint8, name string, fn func(ctx context.Context, id scheduler.TaskID, v T) error) error {
	if fn == nil {
		return errors.New("handler required")
	}
	return r.Handle(kind, name, func(ctx context.Context, t scheduler.Task) error {
		v, err := Decode[T](t.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, t.ID, v)
	})
}

// Name returns the registered name for kind.
func (r *Registry) Name(kind uint8) (string, bool) {
	r.mu.RLock()
	h, ok := r.handlers[kind]
	r.mu.RUnlock()
	return h.name, ok
}

// Dispatch delivers one fired task. now is the clock value of the tick that
// fired it. The returned error is informational; it has already been logged,
// counted and published.
func (r *Registry) Dispatch(ctx context.Context, t scheduler.Task, now uint64) error {
	r.mu.RLock()
	h, ok := r.handlers[t.Kind]
	timeout := r.cfg.Timeout
	r.mu.RUnlock()

	d := Delivery{
		TaskID:  t.ID,
		Kind:    t.Kind,
		Name:    h.name,
		Due:     t.NextDue(),
		Now:     now,
		Started: time.Now(),
	}

	var err error
	if !ok {
		err = fmt.Errorf("%w: %d", ErrUnknownKind, t.Kind)
	} else {
		err = r.call(ctx, h.fn, t, timeout)
	}
	d.Duration = time.Since(d.Started)
	if err != nil {
		d.Error = err.Error()
	}

	r.record(d)
	if err != nil {
		r.failed.Add(1)
		fields := []logx.Field{
			logx.Uint64("task_id", uint64(t.ID)),
			logx.Int("kind", int(t.Kind)),
			logx.String("name", h.name),
			logx.Uint64("due", d.Due),
			logx.Err(err),
		}
		var pe panicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.stack))
		}
		r.log.Warn("task delivery failed", fields...)
	} else {
		r.delivered.Add(1)
		r.log.Debug("task delivered",
			logx.Uint64("task_id", uint64(t.ID)),
			logx.String("name", h.name),
			logx.Duration("took", d.Duration),
		)
	}
	r.bus.Publish(eventbus.Event{Type: EventDelivered, Time: d.Started, Data: d})
	return err
}

func (r *Registry) call(ctx context.Context, fn Handler, t scheduler.Task, timeout time.Duration) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if v := recover(); v != nil {
			err = panicError{value: v, stack: logx.StackTrace(4, 16)}
		}
	}()
	return fn(ctx, t)
}

func (r *Registry) record(d Delivery) {
	r.mu.RLock()
	size := r.cfg.HistorySize
	r.mu.RUnlock()

	r.hmu.Lock()
	r.history = append(r.history, d)
	if over := len(r.history) - size; over > 0 {
		r.history = append([]Delivery(nil), r.history[over:]...)
	}
	r.hmu.Unlock()
}

// History returns the most recent deliveries, oldest first.
func (r *Registry) History() []Delivery {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	out := make([]Delivery, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	kinds := make(map[uint8]string, len(r.handlers))
	for k, h := range r.handlers {
		kinds[k] = h.name
	}
	timeout := r.cfg.Timeout
	r.mu.RUnlock()

	return Snapshot{
		Kinds:     kinds,
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		Timeout:   timeout,
		History:   r.History(),
	}
}
