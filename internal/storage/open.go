package storage

import (
	"context"
	"errors"
	"strings"

	logx "pulsecron/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	// SaveSnapshot replaces the stored snapshot blob.
	SaveSnapshot(ctx context.Context, data []byte) error
	// LoadSnapshot returns the stored blob; ok is false when none was saved.
	LoadSnapshot(ctx context.Context) (data []byte, ok bool, err error)
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to n journal records, oldest first.
	RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
