package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecron/internal/config"
	"pulsecron/internal/task/dispatch"
	"pulsecron/internal/task/scheduler"
)

func intPtr(v int) *int { return &v }

func TestMapPulseConfigDefaults(t *testing.T) {
	t.Parallel()
	ps, err := mapPulseConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, pulseSettings{Mode: PulseModeSelf, MinInterval: 100 * time.Millisecond, RetryMax: 3}, ps)

	ps, err = mapPulseConfig(&config.Config{Pulse: config.PulseConfig{Mode: "Heartbeat", MinInterval: "0s", TriggerRetryMax: intPtr(0)}})
	require.NoError(t, err)
	assert.Equal(t, PulseModeHeartbeat, ps.Mode)
	assert.Equal(t, defaultHeartbeat, ps.Heartbeat)
	assert.Zero(t, ps.MinInterval, "explicit 0s disables spacing")
	assert.Zero(t, ps.RetryMax)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./x.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestValidateConfigRejects(t *testing.T) {
	t.Parallel()
	two := uint64(2)
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"unknown log format", config.Config{Logging: config.LoggingConfig{Format: "xml"}}},
		{"unknown driver", config.Config{Storage: config.StorageConfig{Driver: "mongo"}}},
		{"file without path", config.Config{Storage: config.StorageConfig{Driver: "file"}}},
		{"redis without url", config.Config{Storage: config.StorageConfig{Driver: "redis"}}},
		{"bad busy timeout", config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}}},
		{"unknown mode", config.Config{Pulse: config.PulseConfig{Mode: "manual"}}},
		{"bad min interval", config.Config{Pulse: config.PulseConfig{MinInterval: "-1s"}}},
		{"negative retry", config.Config{Pulse: config.PulseConfig{TriggerRetryMax: intPtr(-1)}}},
		{"bad heartbeat", config.Config{Pulse: config.PulseConfig{Heartbeat: "every second"}}},
		{"bad dispatch timeout", config.Config{Dispatch: config.DispatchConfig{Timeout: "x"}}},
		{"negative history", config.Config{Dispatch: config.DispatchConfig{HistorySize: -1}}},
		{"bad diagnostics timeout", config.Config{Diagnostics: config.DiagnosticsConfig{ReadTimeout: "1 minute"}}},
		{"bad schedule", config.Config{Tasks: []config.TaskConfig{{Name: "a", Schedule: "often"}}}},
		{"bad delay", config.Config{Tasks: []config.TaskConfig{{Name: "a", Schedule: "1m", Delay: "-1s", Times: &two}}}},
		{"duplicate names", config.Config{Tasks: []config.TaskConfig{{Name: "a", Schedule: "1m"}, {Name: "a", Schedule: "2m"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validateConfig(&tt.cfg))
		})
	}
	assert.NoError(t, validateConfig(&config.Config{}))
}

func TestMapDiagConfig(t *testing.T) {
	t.Parallel()
	dc, err := mapDiagConfig(&config.Config{Diagnostics: config.DiagnosticsConfig{Enabled: true, Addr: " :7070 ", Token: " t "}})
	require.NoError(t, err)
	assert.True(t, dc.Enabled)
	assert.Equal(t, ":7070", dc.Addr)
	assert.Equal(t, "t", dc.Token)
	assert.Equal(t, 10*time.Second, dc.ReadTimeout)
	assert.Equal(t, 60*time.Second, dc.WriteTimeout)
}

func TestMapSeedTasks(t *testing.T) {
	t.Parallel()
	zero := uint64(0)
	cfg := &config.Config{Tasks: []config.TaskConfig{
		{Name: "report", Kind: 4, Payload: []byte(`{"to":"ops"}`), Schedule: "every:01:30", Delay: "5s"},
		{Kind: 2, Schedule: "once:45s"},
		{Name: "parked", Schedule: "1m", Times: &zero},
	}}
	seeds, err := mapSeedTasks(cfg)
	require.NoError(t, err)
	require.Len(t, seeds, 3)

	assert.Equal(t, "report", seeds[0].Name)
	assert.Equal(t, uint8(4), seeds[0].Kind)
	assert.JSONEq(t, `{"to":"ops"}`, string(seeds[0].Payload))
	assert.Equal(t, scheduler.RecurringWithDelay(5*time.Second, 90*time.Minute, scheduler.Infinite()), seeds[0].Policy)

	assert.Equal(t, "tasks[1]", seeds[1].Name)
	assert.Equal(t, scheduler.OneShot(45*time.Second), seeds[1].Policy)

	assert.True(t, seeds[2].Policy.Dormant())
}

func TestMapDelivery(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := mapDelivery(dispatch.Delivery{
		TaskID:   9,
		Kind:     3,
		Name:     "mail",
		Due:      1500,
		Now:      1600,
		Started:  at,
		Duration: 1500 * time.Millisecond,
		Error:    "boom",
	})
	assert.Equal(t, uint64(9), rec.TaskID)
	assert.Equal(t, uint8(3), rec.Kind)
	assert.Equal(t, "mail", rec.Name)
	assert.Equal(t, uint64(1500), rec.Due)
	assert.Equal(t, at, rec.At)
	assert.Equal(t, int64(1500), rec.TookMS)
	assert.Equal(t, "boom", rec.Error)
}
