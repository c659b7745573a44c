package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	logx "pulsecron/pkg/logx"
)

// ErrUnchanged is returned by Reload when the file content matches the
// committed config.
var ErrUnchanged = errors.New("config unchanged")

// Validator rejects a parsed config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the current config. Reloads are transactional: a parsed
// config is validated, committed and only then published to subscribers.
type ConfigManager struct {
	path string

	mu        sync.RWMutex
	cfg       *Config
	hash      uint64
	log       logx.Logger
	validator Validator
	environ   map[string]string

	// reloadMu serializes Reload so watcher and signal-driven reloads never interleave.
	reloadMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path: path,
		log:  logx.Nop(),
		subs: map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetEnvironment replaces the process environment as the source of
// PULSECRON_* overrides.
func (m *ConfigManager) SetEnvironment(environ map[string]string) {
	m.mu.Lock()
	m.environ = environ
	m.mu.Unlock()
}

// SetValidator installs the hook Reload runs before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads the file, decodes it strictly and applies env overrides. It does
// not touch the committed config.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(jb)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}

	m.mu.RLock()
	environ := m.environ
	m.mu.RUnlock()
	e, err := ReadEnv(environ)
	if err != nil {
		return nil, err
	}
	if err := e.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(b []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits without validation or publishing. Used at boot,
// where the caller validates explicitly.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.hash = h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload parses, validates, commits and publishes the file's current content.
// It returns ErrUnchanged when nothing effective changed.
func (m *ConfigManager) Reload(ctx context.Context) (*Config, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.hash
	validate := m.validator
	m.mu.RUnlock()
	if unchanged {
		return nil, ErrUnchanged
	}

	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.logger().Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return cfg, nil
}

// Subscribe returns a channel receiving every published config. A slow
// subscriber loses older configs, never the latest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish holds subsMu while sending so Unsubscribe cannot close a channel mid-send.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: drop the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return digest(b)
}
