package pulse

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	logx "pulsecron/pkg/logx"
)

// Heartbeat ticks a Loop on a cron schedule ("@every 1s", "*/5 * * * * *", ...).
//
// With NopTrigger it is the only tick source. Next to a self-triggering Loop it
// is a backstop that re-arms a driver stalled by a failed tick request.
type Heartbeat struct {
	spec string
	loop *Loop
	log  logx.Logger

	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// NewHeartbeat validates spec. SecondOptional allows both 5-field and 6-field specs.
func NewHeartbeat(spec string, loop *Loop, log logx.Logger) (*Heartbeat, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("heartbeat schedule required")
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid heartbeat schedule %q: %w", spec, err)
	}
	return &Heartbeat{spec: spec, loop: loop, log: log, parser: p}, nil
}

// Start begins ticking. ctx bounds every tick it submits.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c != nil {
		return nil
	}

	cl := cronLogger{log: h.log}
	c := cron.New(
		cron.WithParser(h.parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(h.spec, func() {
		err := h.loop.Do(ctx, func(ctx context.Context, d *Driver) {
			d.Tick(ctx)
		})
		if err != nil && ctx.Err() == nil {
			h.log.Debug("heartbeat tick skipped", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	h.c = c
	h.log.Info("heartbeat started", logx.String("spec", h.spec))
	return nil
}

// Stop stops the schedule and waits for a running tick, bounded by ctx.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.mu.Lock()
	c := h.c
	h.c = nil
	h.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	h.log.Info("heartbeat stopped")
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
