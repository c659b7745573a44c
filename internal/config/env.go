package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PULSECRON_"

// Env holds overrides read from PULSECRON_* variables. Unset or empty values
// leave the file setting alone.
type Env struct {
	LogLevel         string `env:"LOG_LEVEL"`
	LogConsole       string `env:"LOG_CONSOLE"`
	LogFormat        string `env:"LOG_FORMAT"`
	StorageDriver    string `env:"STORAGE_DRIVER"`
	StoragePath      string `env:"STORAGE_PATH"`
	StorageURL       string `env:"STORAGE_URL"`
	StorageKey       string `env:"STORAGE_KEY"`
	PulseMode        string `env:"PULSE_MODE"`
	PulseMinInterval string `env:"PULSE_MIN_INTERVAL"`
	PulseHeartbeat   string `env:"PULSE_HEARTBEAT"`
	DispatchTimeout  string `env:"DISPATCH_TIMEOUT"`
	DiagAddr         string `env:"DIAG_ADDR"`
	DiagToken        string `env:"DIAG_TOKEN"`
}

// ReadEnv parses overrides from environ, or from the process environment when
// environ is nil.
func ReadEnv(environ map[string]string) (Env, error) {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	e, err := env.ParseAsWithOptions[Env](opts)
	if err != nil {
		return Env{}, fmt.Errorf("env overrides: %w", err)
	}
	return e, nil
}

// Apply copies every set override into cfg.
func (e Env) Apply(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, e.LogLevel)
	if v := strings.TrimSpace(e.LogConsole); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_CONSOLE: %w", EnvPrefix, err)
		}
		cfg.Logging.Console = b
	}
	set(&cfg.Logging.Format, e.LogFormat)
	set(&cfg.Storage.Driver, e.StorageDriver)
	set(&cfg.Storage.Path, e.StoragePath)
	set(&cfg.Storage.URL, e.StorageURL)
	set(&cfg.Storage.Key, e.StorageKey)
	set(&cfg.Pulse.Mode, e.PulseMode)
	set(&cfg.Pulse.MinInterval, e.PulseMinInterval)
	set(&cfg.Pulse.Heartbeat, e.PulseHeartbeat)
	set(&cfg.Dispatch.Timeout, e.DispatchTimeout)
	set(&cfg.Diagnostics.Addr, e.DiagAddr)
	set(&cfg.Diagnostics.Token, e.DiagToken)
	return nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing files
// are skipped; variables already set are never overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
