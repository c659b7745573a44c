package pulse

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"pulsecron/internal/eventbus"
	"pulsecron/internal/task/scheduler"
	logx "pulsecron/pkg/logx"
)

const (
	EventActive  = "pulse.active"
	EventIdle    = "pulse.idle"
	EventStalled = "pulse.stalled"
)

const defaultTriggerRetryMax = 3

// Dispatcher delivers one fired task. Errors are reported per task and never
// abort the rest of the batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, t scheduler.Task, now uint64) error
}

// Outcome is the result of one Tick. Again reports whether the driver asked
// its host for another tick.
type Outcome struct {
	Now    uint64
	Fired  int
	Failed int
	Again  bool
}

// Stats is a lightweight view for diagnostics.
type Stats struct {
	Active          bool
	Tasks           int
	Pending         int
	NextDue         uint64
	HasNext         bool
	Ticks           uint64
	Fired           uint64
	Failed          uint64
	Stale           uint64
	TriggerFailures uint64
}

type Option func(*Driver)

func WithClock(c Clock) Option           { return func(d *Driver) { d.clock = c } }
func WithTrigger(t Trigger) Option       { return func(d *Driver) { d.trigger = t } }
func WithDispatcher(x Dispatcher) Option { return func(d *Driver) { d.dispatch = x } }
func WithLogger(log logx.Logger) Option  { return func(d *Driver) { d.log = log } }
func WithBus(bus eventbus.Bus) Option    { return func(d *Driver) { d.bus = bus } }

// WithTriggerRetry sets how many times a failed tick request is retried before
// the driver gives up and goes inactive. n < 0 disables retries.
func WithTriggerRetry(n int) Option { return func(d *Driver) { d.retryMax = n } }

// Driver keeps a scheduler ticking while it has pending timeline entries.
type Driver struct {
	sched  *scheduler.Scheduler
	active bool

	clock    Clock
	trigger  Trigger
	dispatch Dispatcher
	retryMax int

	log  logx.Logger
	bus  eventbus.Bus
	warn *rate.Limiter

	ticks           uint64
	fired           uint64
	failed          uint64
	triggerFailures uint64
}

// NewDriver wraps sched. active is the flag restored from a snapshot (false for
// a fresh scheduler); call Resume once the host is ready to honor tick requests.
func NewDriver(sched *scheduler.Scheduler, active bool, opts ...Option) *Driver {
	if sched == nil {
		sched = scheduler.New()
	}
	d := &Driver{
		sched:    sched,
		active:   active,
		retryMax: defaultTriggerRetryMax,
		warn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.clock == nil {
		d.clock = &SystemClock{}
	}
	if d.trigger == nil {
		d.trigger = NopTrigger{}
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.bus == nil {
		d.bus = eventbus.Nop()
	}
	return d
}

// SetTrigger replaces the re-invocation primitive. Hosts that are built after
// the driver (Loop) bind themselves here.
func (d *Driver) SetTrigger(t Trigger) {
	if t == nil {
		t = NopTrigger{}
	}
	d.trigger = t
}

// Scheduler exposes the wrapped scheduler for snapshotting.
func (d *Driver) Scheduler() *scheduler.Scheduler { return d.sched }

func (d *Driver) Active() bool { return d.active }

func (d *Driver) IsIdle() bool { return d.sched.IsIdle() }

// Now reads the driver's clock.
func (d *Driver) Now() uint64 { return d.clock.Now() }

// Enqueue schedules a task at the current clock value and wakes the driver if
// it is inactive.
func (d *Driver) Enqueue(kind uint8, payload []byte, p scheduler.Policy) (scheduler.TaskID, error) {
	id, err := d.sched.Enqueue(kind, payload, p, d.clock.Now())
	if err != nil {
		return 0, err
	}
	d.log.Debug("task enqueued",
		logx.Uint64("task_id", uint64(id)),
		logx.Int("kind", int(kind)),
		logx.String("policy", p.String()),
	)
	d.arm()
	return id, nil
}

// Dequeue removes a task. A tick already in flight is not affected.
func (d *Driver) Dequeue(id scheduler.TaskID) (scheduler.Task, bool) {
	t, ok := d.sched.Dequeue(id)
	if ok {
		d.log.Debug("task dequeued", logx.Uint64("task_id", uint64(id)))
	}
	return t, ok
}

// Resume restarts the tick chain after a restore. Pending tick requests do not
// survive a restart, so a restored active flag is re-armed from scratch.
func (d *Driver) Resume() {
	d.active = false
	d.arm()
}

func (d *Driver) arm() {
	if d.active || d.sched.IsIdle() {
		return
	}
	d.active = true
	d.bus.Publish(eventbus.Event{Type: EventActive})
	d.request()
}

// Tick runs one drain-and-dispatch cycle.
func (d *Driver) Tick(ctx context.Context) Outcome {
	now := d.clock.Now()
	d.ticks++

	fired := d.sched.Iterate(now)
	out := Outcome{Now: now, Fired: len(fired)}
	for _, t := range fired {
		if d.dispatch == nil {
			continue
		}
		if err := d.dispatch.Dispatch(ctx, t, now); err != nil {
			out.Failed++
		}
	}
	d.fired += uint64(out.Fired)
	d.failed += uint64(out.Failed)

	if d.sched.IsIdle() {
		if d.active {
			d.active = false
			d.bus.Publish(eventbus.Event{Type: EventIdle})
			d.log.Debug("pulse idle", logx.Uint64("ticks", d.ticks))
		}
		return out
	}

	d.active = true
	out.Again = d.request()
	return out
}

// request asks the trigger for another tick, retrying up to retryMax times.
// When every attempt fails the driver goes inactive: the next Enqueue or an
// external tick re-arms it.
func (d *Driver) request() bool {
	var err error
	for attempt := 0; attempt <= max(d.retryMax, 0); attempt++ {
		if err = d.trigger.RequestTick(); err == nil {
			return true
		}
		d.log.Debug("tick request failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}

	d.active = false
	d.triggerFailures++
	d.bus.Publish(eventbus.Event{Type: EventStalled, Data: err.Error()})
	if d.warn.Allow() {
		d.log.Warn("tick request failed; pulse stalled until next enqueue or heartbeat",
			logx.Int("pending", d.sched.Pending()),
			logx.Uint64("failures", d.triggerFailures),
			logx.Err(err),
		)
	}
	return false
}

func (d *Driver) Stats() Stats {
	next, ok := d.sched.NextDue()
	return Stats{
		Active:          d.active,
		Tasks:           d.sched.Len(),
		Pending:         d.sched.Pending(),
		NextDue:         next,
		HasNext:         ok,
		Ticks:           d.ticks,
		Fired:           d.fired,
		Failed:          d.failed,
		Stale:           d.sched.Stale(),
		TriggerFailures: d.triggerFailures,
	}
}
