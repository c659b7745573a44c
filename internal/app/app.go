package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulsecron/internal/config"
	"pulsecron/internal/eventbus"
	"pulsecron/internal/observability/diag"
	"pulsecron/internal/runtime/supervisor"
	"pulsecron/internal/storage"
	"pulsecron/internal/task/dispatch"
	"pulsecron/internal/task/pulse"
	"pulsecron/internal/task/scheduler"
	"pulsecron/internal/task/snapshot"
	logx "pulsecron/pkg/logx"
)

var (
	ErrNotStarted = errors.New("app not started")
	ErrStopped    = errors.New("app stopped")
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry  *dispatch.Registry
	driver    *pulse.Driver
	loop      *pulse.Loop
	heartbeat *pulse.Heartbeat
	mode      string
	diag      *diag.Service

	journal  bool
	restored bool
	source   uuid.UUID
	seeded   int

	mu      sync.Mutex
	started bool
	stopped bool
	unsub   func()
}

type Option func(*options)

type options struct {
	clock   pulse.Clock
	environ map[string]string
}

// WithClock replaces the wall clock. Tests use it to drive the engine deterministically.
func WithClock(c pulse.Clock) Option { return func(o *options) { o.clock = c } }

// WithEnvironment replaces the process environment used for PULSECRON_* overrides.
func WithEnvironment(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// New loads config, opens storage and restores the engine. A stored snapshot
// always wins over seed tasks; an unreadable one fails init.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnvironment(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, enabled, _ := mapStorageConfig(cfg)
	if enabled {
		st, err := storage.Open(ctx, sc, logSvc.Logger())
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		journal: store != nil && journalEnabled(cfg),
	}
	if err := a.init(ctx, cfg, o); err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config, o options) error {
	dcfg, _ := mapDispatchConfig(cfg)
	a.registry = dispatch.New(dcfg, a.log.With(logx.String("comp", "dispatch")), a.bus)

	ps, _ := mapPulseConfig(cfg)
	a.mode = ps.Mode

	sched, active, err := a.restore(ctx)
	if err != nil {
		return err
	}

	clock := o.clock
	if clock == nil {
		clock = &pulse.SystemClock{}
	}
	pulseLog := a.log.With(logx.String("comp", "pulse"))
	a.driver = pulse.NewDriver(sched, active,
		pulse.WithClock(clock),
		pulse.WithDispatcher(a.registry),
		pulse.WithLogger(pulseLog),
		pulse.WithBus(a.bus),
		pulse.WithTriggerRetry(ps.RetryMax),
	)
	a.loop = pulse.NewLoop(a.driver, pulse.LoopConfig{MinInterval: ps.MinInterval}, pulseLog)

	if ps.Mode == PulseModeHeartbeat {
		// The heartbeat is the only tick source; the loop never self-triggers.
		a.driver.SetTrigger(pulse.NopTrigger{})
	}
	if ps.Heartbeat != "" {
		hb, err := pulse.NewHeartbeat(ps.Heartbeat, a.loop, pulseLog.With(logx.String("src", "heartbeat")))
		if err != nil {
			return fmt.Errorf("pulse.heartbeat: %w", err)
		}
		a.heartbeat = hb
	}

	if !a.restored {
		if err := a.seed(cfg); err != nil {
			return err
		}
	}

	diagCfg, _ := mapDiagConfig(cfg)
	a.diag = diag.New(diagCfg, diag.Source{
		Stats:      func(ctx context.Context) (any, error) { return a.Stats(ctx) },
		Deliveries: func(ctx context.Context, n int) (any, error) { return a.Deliveries(ctx, n) },
	}, a.log.With(logx.String("comp", "diag")))
	return nil
}

// restore imports the stored snapshot, or returns a fresh scheduler when none was saved.
func (a *App) restore(ctx context.Context) (*scheduler.Scheduler, bool, error) {
	if a.store == nil {
		return scheduler.New(), false, nil
	}
	data, ok, err := a.store.LoadSnapshot(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		a.log.Info("no snapshot stored; starting fresh")
		return scheduler.New(), false, nil
	}
	r, err := snapshot.Import(data)
	if err != nil {
		return nil, false, fmt.Errorf("restore snapshot: %w", err)
	}
	a.restored = true
	a.source = r.Instance
	a.log.Info("snapshot restored",
		logx.Int("tasks", r.Scheduler.Len()),
		logx.Int("pending", r.Scheduler.Pending()),
		logx.Bool("active", r.Active),
		logx.String("instance", r.Instance.String()),
		logx.Time("written_at", r.WrittenAt),
	)
	return r.Scheduler, r.Active, nil
}

// seed enqueues the configured tasks. It runs before the loop exists, so the
// driver's trigger requests are only recorded and Start resumes the chain.
func (a *App) seed(cfg *config.Config) error {
	tasks, err := mapSeedTasks(cfg)
	if err != nil {
		return err
	}
	sched := a.driver.Scheduler()
	now := a.driver.Now()
	for _, st := range tasks {
		id, err := sched.Enqueue(st.Kind, st.Payload, st.Policy, now)
		if err != nil {
			return fmt.Errorf("seed task %s: %w", st.Name, err)
		}
		a.seeded++
		a.log.Info("seed task enqueued",
			logx.String("name", st.Name),
			logx.Uint64("task_id", uint64(id)),
			logx.Int("kind", int(st.Kind)),
			logx.String("policy", st.Policy.String()),
		)
	}
	return nil
}

// Registry exposes the handler registry so embedders can register kinds
// before Start.
func (a *App) Registry() *dispatch.Registry { return a.registry }

// Handle registers a raw handler for kind.
func (a *App) Handle(kind uint8, name string, fn dispatch.Handler) error {
	return a.registry.Handle(kind, name, fn)
}

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	a.started = true
	a.mu.Unlock()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	// Subscribe before the first tick so no delivery misses the journal.
	if a.journal {
		events, unsub := a.bus.Subscribe(1024, dispatch.EventDelivered)
		a.unsub = unsub
		a.sup.Go0("dispatch.journal", func(context.Context) { a.writeJournal(events) })
	}

	// Optional: log events for observability/debug.
	events, unsubLog := a.bus.Subscribe(128, pulse.EventActive, pulse.EventIdle, pulse.EventStalled)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubLog()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("pulse.loop", a.loop.Run)
	if err := a.loop.Do(ctx, func(_ context.Context, d *pulse.Driver) { d.Resume() }); err != nil {
		return fmt.Errorf("resume pulse: %w", err)
	}

	if a.heartbeat != nil {
		if err := a.heartbeat.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start heartbeat: %w", err)
		}
	}

	// diag owns its supervisor; a failing listener never stops the app.
	a.diag.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("mode", a.mode),
		logx.Bool("restored", a.restored),
		logx.Int("seeded", a.seeded),
		logx.String("instance", snapshot.Instance.String()),
	)
	return nil
}

// applyConfig applies the live-reloadable sections. Storage and pulse settings
// are bound at init and only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "dispatch":
			dc, err := mapDispatchConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				continue
			}
			a.registry.Apply(dc)
		case "diagnostics":
			dc, err := mapDiagConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
				continue
			}
			a.diag.Reconfigure(ctx, dc)
		case "storage", "pulse":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "tasks":
			a.log.Info("seed tasks changed; they only apply to a fresh store")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) writeJournal(events <-chan eventbus.Event) {
	for e := range events {
		d, ok := e.Data.(dispatch.Delivery)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := a.store.AppendDelivery(ctx, mapDelivery(d))
		cancel()
		if err != nil {
			a.log.Warn("journal append failed",
				logx.Uint64("task_id", uint64(d.TaskID)),
				logx.Err(err),
			)
		}
	}
}

// Stop stops the tick sources, drains the loop and persists a snapshot of
// whatever state the engine reached.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.stopped = true
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.log.Info("stopping")

	var saveErr error

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("heartbeat", 2*time.Second, func(c context.Context) error {
		if a.heartbeat != nil {
			a.heartbeat.Stop(c)
		}
		return nil
	})

	// Canceling the run context stops the loop; it finishes accepted ops first.
	a.sup.Cancel()
	step("pulse.loop", 5*time.Second, func(c context.Context) error {
		select {
		case <-a.loop.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	step("snapshot", 3*time.Second, func(c context.Context) error {
		saveErr = a.saveSnapshot(c)
		return saveErr
	})

	// Closing the subscription lets the journal writer drain what is buffered.
	if a.unsub != nil {
		a.unsub()
	}
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return saveErr
}

// saveSnapshot must run after the loop has exited; nothing else touches the
// driver at that point.
func (a *App) saveSnapshot(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	select {
	case <-a.loop.Done():
	default:
		return fmt.Errorf("snapshot: pulse loop still running")
	}
	data, err := snapshot.Export(a.driver.Scheduler(), a.driver.Active())
	if err != nil {
		return err
	}
	if err := a.store.SaveSnapshot(ctx, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	a.log.Info("snapshot saved",
		logx.Int("tasks", a.driver.Scheduler().Len()),
		logx.Int("bytes", len(data)),
	)
	return nil
}

// do runs fn on the pulse loop.
func (a *App) do(ctx context.Context, fn func(ctx context.Context, d *pulse.Driver)) error {
	a.mu.Lock()
	started, stopped := a.started, a.stopped
	a.mu.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case !started:
		return ErrNotStarted
	}
	return a.loop.Do(ctx, fn)
}

// Enqueue schedules a task with a raw payload and returns its id.
func (a *App) Enqueue(ctx context.Context, kind uint8, payload []byte, p scheduler.Policy) (scheduler.TaskID, error) {
	var (
		id  scheduler.TaskID
		err error
	)
	if derr := a.do(ctx, func(_ context.Context, d *pulse.Driver) {
		id, err = d.Enqueue(kind, payload, p)
	}); derr != nil {
		return 0, derr
	}
	return id, err
}

// EnqueueValue encodes v as the task payload.
func (a *App) EnqueueValue(ctx context.Context, kind uint8, v any, p scheduler.Policy) (scheduler.TaskID, error) {
	payload, err := dispatch.Encode(v)
	if err != nil {
		return 0, err
	}
	return a.Enqueue(ctx, kind, payload, p)
}

// Dequeue removes a task. ok is false when the id is unknown.
func (a *App) Dequeue(ctx context.Context, id scheduler.TaskID) (scheduler.Task, bool, error) {
	var (
		t  scheduler.Task
		ok bool
	)
	err := a.do(ctx, func(_ context.Context, d *pulse.Driver) { t, ok = d.Dequeue(id) })
	return t, ok, err
}

func (a *App) IsIdle(ctx context.Context) (bool, error) {
	var idle bool
	err := a.do(ctx, func(_ context.Context, d *pulse.Driver) { idle = d.IsIdle() })
	return idle, err
}

func (a *App) Task(ctx context.Context, id scheduler.TaskID) (scheduler.Task, bool, error) {
	var (
		t  scheduler.Task
		ok bool
	)
	err := a.do(ctx, func(_ context.Context, d *pulse.Driver) { t, ok = d.Scheduler().Get(id) })
	return t, ok, err
}

// Tasks returns every stored task sorted by id.
func (a *App) Tasks(ctx context.Context) ([]scheduler.Task, error) {
	var out []scheduler.Task
	err := a.do(ctx, func(_ context.Context, d *pulse.Driver) { out = d.Scheduler().Tasks() })
	return out, err
}

// Stats is a diagnostic view across the engine.
type Stats struct {
	Instance   string              `json:"instance"`
	Restored   bool                `json:"restored"`
	RestoredOf string              `json:"restored_of,omitempty"`
	Mode       string              `json:"mode"`
	Pulse      pulse.Stats         `json:"pulse"`
	Dispatch   dispatch.Snapshot   `json:"dispatch"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
	BusDropped uint64              `json:"bus_dropped"`
}

func (a *App) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Instance:   snapshot.Instance.String(),
		Restored:   a.restored,
		Mode:       a.mode,
		Dispatch:   a.registry.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.restored {
		st.RestoredOf = a.source.String()
	}
	err := a.do(ctx, func(_ context.Context, d *pulse.Driver) { st.Pulse = d.Stats() })
	return st, err
}

// ReloadConfig re-reads the config file now, the same way a file change does.
func (a *App) ReloadConfig(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		return nil
	}
	return err
}

// Deliveries reads the last n journal records, oldest first.
func (a *App) Deliveries(ctx context.Context, n int) ([]storage.DeliveryRecord, error) {
	if a.store == nil || !a.journal {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentDeliveries(ctx, n)
}
