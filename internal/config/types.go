package config

import "encoding/json"

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Pulse    PulseConfig    `json:"pulse"`
	Dispatch DispatchConfig `json:"dispatch"`

	Diagnostics DiagnosticsConfig `json:"diagnostics"`

	// Tasks are enqueued on first boot only. Once a snapshot exists the stored
	// task set wins and this list is ignored.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "text" (default) or "json" for stdout.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where snapshots and the delivery journal live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pulsecron.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis://... (may carry credentials; do not log)
	Key         string `json:"key,omitempty"` // redis key prefix
	BusyTimeout string `json:"busy_timeout,omitempty"`
	JournalMax  int    `json:"journal_max,omitempty"`
}

// PulseConfig controls what ticks the driver.
//
// Modes:
//   - "self" (default): the driver requests its own ticks while work is pending.
//     Heartbeat, when set, runs alongside as a backstop.
//   - "heartbeat": ticks come only from the Heartbeat cron spec.
//
// Defaults:
//   - min_interval: "100ms"
//   - heartbeat: "" in self mode, "@every 1s" in heartbeat mode
//   - trigger_retry_max: 3
type PulseConfig struct {
	Mode            string `json:"mode,omitempty"`
	MinInterval     string `json:"min_interval,omitempty"`
	Heartbeat       string `json:"heartbeat,omitempty"`
	TriggerRetryMax *int   `json:"trigger_retry_max,omitempty"`
}

// DispatchConfig controls delivery of fired tasks.
//
// Journal is a pointer so we can distinguish "omitted" (default true when
// storage is enabled) from an explicit false.
type DispatchConfig struct {
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	Journal     *bool  `json:"journal,omitempty"`
}

// TaskConfig declares a seed task.
//
// Schedule accepts "interval:30s", "every:5m", "once:10s", "in:1h" or a bare Go
// duration (recurring). Delay overrides the initial delay of a recurring task.
// Times bounds the number of deliveries; omitted means unbounded.
type TaskConfig struct {
	Name     string          `json:"name"`
	Kind     uint8           `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Schedule string          `json:"schedule"`
	Delay    string          `json:"delay,omitempty"`
	Times    *uint64         `json:"times,omitempty"`
}

// DiagnosticsConfig controls the optional HTTP endpoint serving /healthz,
// /stats, /deliveries and (optionally) pprof.
//
// Defaults:
//   - addr: "127.0.0.1:6060"
//   - pprof_prefix: "/debug/pprof/"
//
// A non-loopback addr requires token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
