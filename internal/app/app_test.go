package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecron/internal/storage"
	"pulsecron/internal/task/dispatch"
	"pulsecron/internal/task/pulse"
	"pulsecron/internal/task/scheduler"
	"pulsecron/internal/task/snapshot"
	logx "pulsecron/pkg/logx"
)

const testConfig = `{
  "logging": {"level": "error", "console": true},
  "storage": {"driver": %q, "path": %q},
  "pulse": {"min_interval": "1ms"},
  "dispatch": {"timeout": "2s", "history_size": 16},
  "tasks": [
    {"name": "tick", "kind": 1, "payload": {"n": 7}, "schedule": "10s", "times": 3}
  ]
}`

type testEnv struct {
	cfgPath string
	store   storage.Config
	now     *atomic.Uint64
}

func newTestEnv(t *testing.T, driver string) testEnv {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.db")
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(testConfig, driver, statePath)), 0o600))

	var now atomic.Uint64
	now.Store(1_000)
	return testEnv{
		cfgPath: cfgPath,
		store:   storage.Config{Driver: driver, Path: statePath, BusyTimeout: time.Second},
		now:     &now,
	}
}

func (e testEnv) newApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), e.cfgPath,
		WithClock(pulse.ClockFunc(e.now.Load)),
		WithEnvironment(map[string]string{}),
	)
	require.NoError(t, err)
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

type payload struct {
	N int `json:"n"`
}

func TestSeedFireAndRestore(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			env := newTestEnv(t, driver)
			ctx := context.Background()

			got := make(chan payload, 8)
			a := env.newApp(t)
			require.NoError(t, dispatch.Register(a.Registry(), 1, "tick", func(_ context.Context, _ scheduler.TaskID, v payload) error {
				got <- v
				return nil
			}))
			require.NoError(t, a.Start(ctx))

			tasks, err := a.Tasks(ctx)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, uint64(1_000), tasks[0].ScheduledAt)

			env.now.Add(uint64(10 * time.Second))
			select {
			case v := <-got:
				assert.Equal(t, 7, v.N)
			case <-time.After(5 * time.Second):
				t.Fatal("seed task never fired")
			}

			st, err := a.Stats(ctx)
			require.NoError(t, err)
			assert.False(t, st.Restored)
			assert.Equal(t, PulseModeSelf, st.Mode)
			assert.Equal(t, uint64(1), st.Pulse.Fired)
			stopApp(t, a)

			// Second boot restores the snapshot and does not seed again.
			b := env.newApp(t)
			require.NoError(t, dispatch.Register(b.Registry(), 1, "tick", func(_ context.Context, _ scheduler.TaskID, v payload) error {
				got <- v
				return nil
			}))
			require.NoError(t, b.Start(ctx))
			defer stopApp(t, b)

			task, ok, err := b.Task(ctx, 1)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, task.FiredOnce)
			assert.Equal(t, scheduler.Exact(2), task.Policy.Iterations)

			tasks, err = b.Tasks(ctx)
			require.NoError(t, err)
			assert.Len(t, tasks, 1)

			st, err = b.Stats(ctx)
			require.NoError(t, err)
			assert.True(t, st.Restored)
			assert.Equal(t, uint64(0), st.Pulse.Stale)
			assert.Equal(t, snapshot.Instance.String(), st.RestoredOf)

			recs, err := b.Deliveries(ctx, 10)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, uint64(1), recs[0].TaskID)
			assert.Equal(t, "tick", recs[0].Name)
			assert.Empty(t, recs[0].Error)

			// The restored chain keeps ticking from the last firing.
			env.now.Add(uint64(10 * time.Second))
			select {
			case <-got:
			case <-time.After(5 * time.Second):
				t.Fatal("restored task never fired")
			}
		})
	}
}

func TestInvalidSnapshotFailsInit(t *testing.T) {
	env := newTestEnv(t, "sqlite")
	ctx := context.Background()

	st, err := storage.Open(ctx, env.store, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SaveSnapshot(ctx, []byte(`{"version": 1, "bogus": true}`)))
	require.NoError(t, st.Close())

	_, err = New(ctx, env.cfgPath, WithEnvironment(map[string]string{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestEnqueueValueAndDequeue(t *testing.T) {
	env := newTestEnv(t, "file")
	ctx := context.Background()

	a := env.newApp(t)
	_, err := a.Enqueue(ctx, 2, nil, OneShot(time.Second))
	assert.ErrorIs(t, err, ErrNotStarted)

	got := make(chan payload, 1)
	require.NoError(t, dispatch.Register(a.Registry(), 2, "once", func(_ context.Context, _ scheduler.TaskID, v payload) error {
		got <- v
		return nil
	}))
	require.NoError(t, a.Start(ctx))

	id, err := a.EnqueueValue(ctx, 2, payload{N: 42}, OneShot(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskID(2), id, "seed task took id 1")

	_, err = a.Enqueue(ctx, 2, nil, Recurring(0, Infinite()))
	assert.ErrorIs(t, err, scheduler.ErrInvalidPolicy)

	// Dequeue the seed task; only the one-shot remains.
	removed, ok, err := a.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(1), removed.Kind)

	// Past the one-shot and the dequeued task's stale entry.
	env.now.Add(uint64(10 * time.Second))
	select {
	case v := <-got:
		assert.Equal(t, 42, v.N)
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot never fired")
	}

	require.Eventually(t, func() bool {
		idle, err := a.IsIdle(ctx)
		return err == nil && idle
	}, 5*time.Second, 5*time.Millisecond)

	tasks, err := a.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "one-shot removed after delivery")

	stopApp(t, a)
	_, err = a.Tasks(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDeliveriesWithoutStorage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
logging: {level: error, console: true}
dispatch: {journal: false}
`), 0o600))

	a, err := New(context.Background(), cfgPath, WithEnvironment(map[string]string{}))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	_, err = a.Deliveries(context.Background(), 10)
	assert.ErrorIs(t, err, storage.ErrDisabled)
}

func TestHeartbeatMode(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron heartbeat")
	}
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
  "logging": {"level": "error", "console": true},
  "pulse": {"mode": "heartbeat", "heartbeat": "@every 1s"}
}`), 0o600))

	var now atomic.Uint64
	now.Store(1)
	a, err := New(context.Background(), cfgPath,
		WithClock(pulse.ClockFunc(now.Load)),
		WithEnvironment(map[string]string{}),
	)
	require.NoError(t, err)

	fired := make(chan scheduler.TaskID, 1)
	require.NoError(t, a.Handle(3, "beat", func(_ context.Context, task scheduler.Task) error {
		fired <- task.ID
		return nil
	}))
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	id, err := a.Enqueue(context.Background(), 3, nil, OneShot(0))
	require.NoError(t, err)
	select {
	case got := <-fired:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat never ticked")
	}
}
