package app

import (
	"fmt"
	"strings"
	"time"

	"pulsecron/internal/config"
	"pulsecron/internal/observability/diag"
	"pulsecron/internal/storage"
	"pulsecron/internal/task/dispatch"
	"pulsecron/internal/task/pulse"
	"pulsecron/internal/task/scheduler"
	logx "pulsecron/pkg/logx"
)

const (
	PulseModeSelf      = "self"
	PulseModeHeartbeat = "heartbeat"

	defaultMinInterval = 100 * time.Millisecond
	defaultHeartbeat   = "@every 1s"
	defaultRetryMax    = 3
)

type pulseSettings struct {
	Mode        string
	MinInterval time.Duration
	Heartbeat   string
	RetryMax    int
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if sc.JournalMax < 0 {
		sc.JournalMax = -1
	}
	out := storage.Config{
		Driver:     driver,
		Path:       strings.TrimSpace(sc.Path),
		JournalMax: sc.JournalMax,
	}

	switch driver {
	case "file":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "redis":
		out.URL = strings.TrimSpace(sc.URL)
		out.Key = strings.TrimSpace(sc.Key)
		if out.URL == "" {
			return storage.Config{}, false, fmt.Errorf("storage.url is required when storage.driver=redis")
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapPulseConfig(cfg *config.Config) (pulseSettings, error) {
	pc := cfg.Pulse
	out := pulseSettings{
		Mode:      strings.ToLower(strings.TrimSpace(pc.Mode)),
		Heartbeat: strings.TrimSpace(pc.Heartbeat),
		RetryMax:  defaultRetryMax,
	}
	switch out.Mode {
	case "":
		out.Mode = PulseModeSelf
	case PulseModeSelf:
	case PulseModeHeartbeat:
		if out.Heartbeat == "" {
			out.Heartbeat = defaultHeartbeat
		}
	default:
		return pulseSettings{}, fmt.Errorf("pulse.mode: unknown %q (want self or heartbeat)", pc.Mode)
	}

	// An explicit "0s" disables tick spacing; only an omitted value gets the default.
	out.MinInterval = defaultMinInterval
	if strings.TrimSpace(pc.MinInterval) != "" {
		d, err := config.ParseDurationField("pulse.min_interval", pc.MinInterval)
		if err != nil {
			return pulseSettings{}, err
		}
		out.MinInterval = d
	}

	if pc.TriggerRetryMax != nil {
		if *pc.TriggerRetryMax < 0 {
			return pulseSettings{}, fmt.Errorf("pulse.trigger_retry_max must be >= 0")
		}
		out.RetryMax = *pc.TriggerRetryMax
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	if dc.HistorySize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.history_size must be >= 0")
	}
	timeout, err := config.ParseDurationField("dispatch.timeout", dc.Timeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{Timeout: timeout, HistorySize: dc.HistorySize}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diagnostics
	read, err := config.ParseDurationOrDefault("diagnostics.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	// pprof's profile endpoint streams for 30s by default.
	write, err := config.ParseDurationOrDefault("diagnostics.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diagnostics.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		PprofPrefix:   dc.PprofPrefix,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func journalEnabled(cfg *config.Config) bool {
	return cfg.Dispatch.Journal == nil || *cfg.Dispatch.Journal
}

type seedTask struct {
	Name    string
	Kind    uint8
	Payload []byte
	Policy  scheduler.Policy
}

func mapSeedTasks(cfg *config.Config) ([]seedTask, error) {
	out := make([]seedTask, 0, len(cfg.Tasks))
	seen := map[string]struct{}{}
	for i, tc := range cfg.Tasks {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("tasks[%d]", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("tasks: duplicate name %q", name)
		}
		seen[name] = struct{}{}

		p, err := scheduler.ParsePolicy(tc.Schedule, tc.Delay, tc.Times)
		if err != nil {
			return nil, fmt.Errorf("tasks[%s]: %w", name, err)
		}
		out = append(out, seedTask{Name: name, Kind: tc.Kind, Payload: []byte(tc.Payload), Policy: p})
	}
	return out, nil
}

// validateConfig rejects a config before it is committed, both at boot and on
// hot reload.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", logx.FormatText, logx.FormatJSON:
	default:
		return fmt.Errorf("logging.format: unknown %q", cfg.Logging.Format)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	ps, err := mapPulseConfig(cfg)
	if err != nil {
		return err
	}
	if ps.Heartbeat != "" {
		if _, err := pulse.NewHeartbeat(ps.Heartbeat, nil, logx.Nop()); err != nil {
			return fmt.Errorf("pulse.heartbeat: %w", err)
		}
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSeedTasks(cfg); err != nil {
		return err
	}
	return nil
}

func mapDelivery(d dispatch.Delivery) storage.DeliveryRecord {
	return storage.DeliveryRecord{
		At:     d.Started,
		TaskID: uint64(d.TaskID),
		Kind:   d.Kind,
		Name:   d.Name,
		Due:    d.Due,
		TookMS: d.Duration.Milliseconds(),
		Error:  d.Error,
	}
}
