package pulse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecron/internal/eventbus"
	"pulsecron/internal/task/scheduler"
)

type fakeClock struct{ now atomic.Uint64 }

func (c *fakeClock) Now() uint64 { return c.now.Load() }
func (c *fakeClock) Set(v uint64) { c.now.Store(v) }

type fakeTrigger struct {
	calls int
	fail  int // fail this many calls, then succeed; <0 fails forever
}

func (t *fakeTrigger) RequestTick() error {
	t.calls++
	if t.fail < 0 || t.calls <= t.fail {
		return errors.New("host refused")
	}
	return nil
}

type recorder struct {
	mu    sync.Mutex
	ids   []scheduler.TaskID
	fail  map[scheduler.TaskID]bool
	calls chan scheduler.TaskID
}

func (r *recorder) Dispatch(_ context.Context, t scheduler.Task, _ uint64) error {
	r.mu.Lock()
	r.ids = append(r.ids, t.ID)
	fail := r.fail[t.ID]
	r.mu.Unlock()
	if r.calls != nil {
		r.calls <- t.ID
	}
	if fail {
		return errors.New("handler failed")
	}
	return nil
}

func (r *recorder) got() []scheduler.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduler.TaskID(nil), r.ids...)
}

func newTestDriver(trig Trigger, disp Dispatcher) (*Driver, *fakeClock) {
	clk := &fakeClock{}
	d := NewDriver(scheduler.New(), false, WithClock(clk), WithTrigger(trig), WithDispatcher(disp))
	return d, clk
}

func TestEnqueueArmsOnce(t *testing.T) {
	t.Parallel()
	trig := &fakeTrigger{}
	d, _ := newTestDriver(trig, &recorder{})

	assert.False(t, d.Active())
	_, err := d.Enqueue(1, nil, scheduler.OneShot(10))
	require.NoError(t, err)
	assert.True(t, d.Active())
	assert.Equal(t, 1, trig.calls)

	_, err = d.Enqueue(1, nil, scheduler.OneShot(20))
	require.NoError(t, err)
	assert.Equal(t, 1, trig.calls, "already active: no second request")
}

func TestEnqueueInvalidPolicyDoesNotArm(t *testing.T) {
	t.Parallel()
	trig := &fakeTrigger{}
	d, _ := newTestDriver(trig, &recorder{})
	_, err := d.Enqueue(1, nil, scheduler.Recurring(0, scheduler.Infinite()))
	assert.ErrorIs(t, err, scheduler.ErrInvalidPolicy)
	assert.False(t, d.Active())
	assert.Zero(t, trig.calls)
}

func TestDormantEnqueueDoesNotArm(t *testing.T) {
	t.Parallel()
	trig := &fakeTrigger{}
	d, _ := newTestDriver(trig, &recorder{})
	_, err := d.Enqueue(1, nil, scheduler.Recurring(10, scheduler.Exact(0)))
	require.NoError(t, err)
	assert.False(t, d.Active())
	assert.True(t, d.IsIdle())
	assert.Zero(t, trig.calls)
}

func TestTickUntilDrained(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	idle, unsub := bus.Subscribe(4, EventIdle)
	defer unsub()

	trig := &fakeTrigger{}
	rec := &recorder{}
	clk := &fakeClock{}
	d := NewDriver(scheduler.New(), false, WithClock(clk), WithTrigger(trig), WithDispatcher(rec), WithBus(bus))

	id, err := d.Enqueue(1, nil, scheduler.OneShot(10))
	require.NoError(t, err)

	clk.Set(5)
	out := d.Tick(context.Background())
	assert.Equal(t, Outcome{Now: 5, Again: true}, out)
	assert.True(t, d.Active())

	clk.Set(12)
	out = d.Tick(context.Background())
	assert.Equal(t, 1, out.Fired)
	assert.False(t, out.Again)
	assert.False(t, d.Active())
	assert.Equal(t, []scheduler.TaskID{id}, rec.got())
	assert.Len(t, idle, 1)
	assert.Equal(t, 2, trig.calls)
}

func TestTickScenario(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d, clk := newTestDriver(&fakeTrigger{}, rec)

	a, _ := d.Enqueue(1, nil, scheduler.Recurring(10, scheduler.Exact(1)))
	b, _ := d.Enqueue(1, nil, scheduler.Recurring(10, scheduler.Infinite()))
	c, _ := d.Enqueue(1, nil, scheduler.Recurring(20, scheduler.Exact(2)))

	want := map[uint64][]scheduler.TaskID{
		5: nil, 10: {a, b}, 15: nil, 20: {b, c}, 30: {b}, 42: {b, c}, 55: {b}, 60: {b},
	}
	for _, now := range []uint64{5, 10, 15, 20, 30, 42, 55, 60} {
		before := len(rec.got())
		clk.Set(now)
		out := d.Tick(context.Background())
		fired := rec.got()[before:]
		assert.ElementsMatch(t, want[now], fired, "now=%d", now)
		assert.Equal(t, len(want[now]), out.Fired)
		assert.True(t, out.Again)
	}
	st := d.Stats()
	assert.Equal(t, 1, st.Tasks)
	assert.Equal(t, uint64(9), st.Fired)
}

func TestBatchContinuesAfterFailures(t *testing.T) {
	t.Parallel()
	rec := &recorder{fail: map[scheduler.TaskID]bool{0: true, 2: true}}
	d, clk := newTestDriver(&fakeTrigger{}, rec)
	for i := 0; i < 4; i++ {
		_, err := d.Enqueue(uint8(i), nil, scheduler.OneShot(1))
		require.NoError(t, err)
	}
	clk.Set(1)
	out := d.Tick(context.Background())
	assert.Equal(t, 4, out.Fired)
	assert.Equal(t, 2, out.Failed)
	assert.Len(t, rec.got(), 4)
	assert.True(t, d.IsIdle())
}

func TestTriggerFailureRetriesThenStalls(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	stalled, unsub := bus.Subscribe(4, EventStalled)
	defer unsub()

	trig := &fakeTrigger{fail: -1}
	clk := &fakeClock{}
	d := NewDriver(scheduler.New(), false, WithClock(clk), WithTrigger(trig), WithDispatcher(&recorder{}),
		WithTriggerRetry(2), WithBus(bus))

	_, err := d.Enqueue(1, nil, scheduler.OneShot(10))
	require.NoError(t, err, "a failed tick request never fails the enqueue")
	assert.Equal(t, 3, trig.calls)
	assert.False(t, d.Active())
	assert.Equal(t, uint64(1), d.Stats().TriggerFailures)
	assert.Len(t, stalled, 1)

	// The next enqueue re-arms the stalled driver.
	trig.fail = 0
	_, err = d.Enqueue(1, nil, scheduler.OneShot(20))
	require.NoError(t, err)
	assert.True(t, d.Active())
	assert.Equal(t, 4, trig.calls)
}

func TestTriggerTransientFailureRecovers(t *testing.T) {
	t.Parallel()
	trig := &fakeTrigger{fail: 2}
	d, _ := newTestDriver(trig, &recorder{})
	_, err := d.Enqueue(1, nil, scheduler.OneShot(10))
	require.NoError(t, err)
	assert.True(t, d.Active())
	assert.Equal(t, 3, trig.calls)
	assert.Zero(t, d.Stats().TriggerFailures)
}

func TestExternalTickRearmsStalledDriver(t *testing.T) {
	t.Parallel()
	trig := &fakeTrigger{fail: -1}
	rec := &recorder{}
	d, clk := newTestDriver(trig, rec)
	id, _ := d.Enqueue(1, nil, scheduler.OneShot(10))
	require.False(t, d.Active())

	trig.fail = 0
	clk.Set(10)
	out := d.Tick(context.Background())
	assert.Equal(t, 1, out.Fired)
	assert.Equal(t, []scheduler.TaskID{id}, rec.got())
	assert.False(t, d.Active())
}

func TestDequeueBeforeDue(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d, clk := newTestDriver(&fakeTrigger{}, rec)
	id, _ := d.Enqueue(1, nil, scheduler.Recurring(10, scheduler.Infinite()))
	_, ok := d.Dequeue(id)
	require.True(t, ok)

	clk.Set(100)
	out := d.Tick(context.Background())
	assert.Zero(t, out.Fired)
	assert.Empty(t, rec.got())
	assert.True(t, d.IsIdle())
	assert.False(t, d.Active())
	assert.Equal(t, uint64(1), d.Stats().Stale)
}

func TestResume(t *testing.T) {
	t.Parallel()
	s := scheduler.New()
	_, err := s.Enqueue(1, nil, scheduler.OneShot(10), 0)
	require.NoError(t, err)

	trig := &fakeTrigger{}
	d := NewDriver(s, true, WithTrigger(trig), WithClock(&fakeClock{}))
	d.Resume()
	assert.True(t, d.Active())
	assert.Equal(t, 1, trig.calls, "a restored active flag still needs a fresh request")

	empty := NewDriver(scheduler.New(), true, WithTrigger(trig))
	empty.Resume()
	assert.False(t, empty.Active())
	assert.Equal(t, 1, trig.calls)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	clk := &fakeClock{}
	d := NewDriver(scheduler.New(), false, WithClock(clk), WithTrigger(&fakeTrigger{}), WithDispatcher(&recorder{}), WithBus(bus))
	_, err := d.Enqueue(1, nil, scheduler.OneShot(10))
	require.NoError(t, err)
	clk.Set(10)
	d.Tick(context.Background())

	var got []string
	for len(events) > 0 {
		got = append(got, (<-events).Type)
	}
	assert.Equal(t, []string{"pulse.active", "pulse.idle"}, got)
	assert.Equal(t, "pulse.stalled", EventStalled)
}
