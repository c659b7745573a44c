// Package diag serves the engine's diagnostics over HTTP: liveness, runtime
// stats, the delivery journal and optionally pprof.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pulsecron/internal/runtime/supervisor"
	logx "pulsecron/pkg/logx"
)

// Config controls the diagnostics listener. A non-loopback Addr needs a Token
// unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	Pprof       bool
	PprofPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Source produces the documents behind /stats and /deliveries. A nil func
// turns its endpoint into a 404.
type Source struct {
	Stats      func(ctx context.Context) (any, error)
	Deliveries func(ctx context.Context, n int) (any, error)
}

const defaultAddr = "127.0.0.1:6060"

var errInsecureBind = errors.New("diagnostics: non-loopback addr requires token or allow_insecure")

type Service struct {
	log logx.Logger
	src Source

	mu    sync.Mutex
	cfg   Config
	sup   *supervisor.Supervisor
	bound string
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the address actually bound, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Reconfigure swaps the config, restarting the listener only when it changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start launches the listener under its own supervisor, so a failing listener
// is retried without affecting the caller. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("diag.http", s.serve, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.bound = nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("diagnostics stop", logx.Err(err))
	}
	s.log.Info("diagnostics stopped")
}

// serve runs one listener until ctx ends. Any other exit is an error so the
// supervisor restarts it.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("diagnostics refused to start", logx.String("addr", addr), logx.Err(errInsecureBind))
			return errInsecureBind
		}
		s.log.Warn("diagnostics listening without token on non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      newRouter(cfg, s.src),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("diagnostics started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)

	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return nil
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("diagnostics server closed unexpectedly")
	default:
		return err
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
