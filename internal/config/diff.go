package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pulsecron/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the redis URL).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		!strings.EqualFold(oldCfg.Logging.Format, newCfg.Logging.Format) ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.String("logx.format", newCfg.Logging.Format),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log the URL)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.URL) != strings.TrimSpace(nS.URL) ||
		strings.TrimSpace(oS.Key) != strings.TrimSpace(nS.Key) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.JournalMax != nS.JournalMax {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(nS.URL) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Pulse
	if !reflect.DeepEqual(oldCfg.Pulse, newCfg.Pulse) {
		changed = append(changed, "pulse")
		retry := -1
		if newCfg.Pulse.TriggerRetryMax != nil {
			retry = *newCfg.Pulse.TriggerRetryMax
		}
		attrs = append(attrs,
			logx.String("pulse.mode", strings.TrimSpace(newCfg.Pulse.Mode)),
			logx.String("pulse.min_interval", strings.TrimSpace(newCfg.Pulse.MinInterval)),
			logx.String("pulse.heartbeat", strings.TrimSpace(newCfg.Pulse.Heartbeat)),
			logx.Int("pulse.trigger_retry_max", retry),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
			logx.Int("dispatch.history_size", newCfg.Dispatch.HistorySize),
			logx.Bool("dispatch.journal_set", newCfg.Dispatch.Journal != nil),
		)
	}

	// Diagnostics (never log the token)
	oD, nD := oldCfg.Diagnostics, newCfg.Diagnostics
	if oD != nD {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", nD.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(nD.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(nD.Token) != ""),
			logx.Bool("diagnostics.pprof", nD.Pprof),
		)
	}

	// Seed tasks (summarize only)
	if n := diffTasks(oldCfg.Tasks, newCfg.Tasks); n > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", n),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffTasks counts seed task entries that differ by name, schedule or payload.
func diffTasks(oldT, newT []TaskConfig) int {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			m[t.Name] = t
		}
		return m
	}
	oldM, newM := index(oldT), index(newT)

	n := 0
	for name, o := range oldM {
		t, ok := newM[name]
		if !ok || !sameTask(o, t) {
			n++
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			n++
		}
	}
	return n
}

func sameTask(a, b TaskConfig) bool {
	if a.Kind != b.Kind ||
		strings.TrimSpace(a.Schedule) != strings.TrimSpace(b.Schedule) ||
		strings.TrimSpace(a.Delay) != strings.TrimSpace(b.Delay) ||
		!reflect.DeepEqual(a.Times, b.Times) {
		return false
	}
	return payloadDigest(a.Payload) == payloadDigest(b.Payload)
}
