package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pulsecron/internal/app"
	"pulsecron/internal/config"
	"pulsecron/internal/task/dispatch"
	"pulsecron/internal/task/scheduler"
	logx "pulsecron/pkg/logx"
)

// Example kinds. Embedders register their own.
const (
	KindLog  uint8 = 1
	KindFail uint8 = 2
)

// defaultConfigPath is where config.example.yaml is expected to be copied.
const defaultConfigPath = "./config.yaml"

type logPayload struct {
	Text  string `json:"text"`
	Level string `json:"level,omitempty"`
}

func main() {
	var (
		cfgPath string
		envFile string
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", defaultConfigPath, "path to config (json, yaml or toml); start from config.example.yaml")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file with PULSECRON_* overrides")
	flag.DurationVar(&stopMax, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := registerHandlers(a.Registry(), a.Logger().With(logx.String("comp", "handlers"))); err != nil {
		fmt.Fprintln(os.Stderr, "fatal register:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a, stopMax)
		os.Exit(1)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.Logger().Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.Logger().Debug("sd_notify ready sent")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-a.Done():
			break wait
		case <-hup:
			if err := a.ReloadConfig(ctx); err != nil {
				a.Logger().Warn("reload on SIGHUP failed", logx.Err(err))
			}
		}
	}
	fatal := a.Err()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a, stopMax)

	if fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}

func stop(a *app.App, max time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), max)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
}

func registerHandlers(r *dispatch.Registry, log logx.Logger) error {
	err := dispatch.Register(r, KindLog, "log", func(_ context.Context, id scheduler.TaskID, p logPayload) error {
		fields := []logx.Field{logx.Uint64("task_id", uint64(id)), logx.String("text", p.Text)}
		switch p.Level {
		case "warn":
			log.Warn("task fired", fields...)
		case "debug":
			log.Debug("task fired", fields...)
		default:
			log.Info("task fired", fields...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Always fails; handy for exercising the delivery journal.
	return r.Handle(KindFail, "fail", func(context.Context, scheduler.Task) error {
		return errors.New("configured to fail")
	})
}
