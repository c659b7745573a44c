package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "pulsecron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	journalMax int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, journalMax: cfg.journalMax(), pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, data []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot(id, data, saved_at) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, saved_at=excluded.saved_at`,
		data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, task_id, kind, name, due, took_ms, err) VALUES(?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), int64(r.TaskID), int64(r.Kind), nullStr(r.Name),
		int64(r.Due), r.TookMS, nullStr(r.Error),
	)
	if err == nil && s.journalMax > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneJournal(pctx); perr != nil {
			s.log.Debug("journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, kind, name, due, took_ms, err FROM
		   (SELECT * FROM deliveries ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var (
			at              string
			taskID, kind    int64
			due, tookMS     int64
			name, errString sql.NullString
		)
		if err := rows.Scan(&at, &taskID, &kind, &name, &due, &tookMS, &errString); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, at)
		out = append(out, DeliveryRecord{
			At:     ts,
			TaskID: uint64(taskID),
			Kind:   uint8(kind),
			Name:   name.String,
			Due:    uint64(due),
			TookMS: tookMS,
			Error:  errString.String,
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneJournal(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE seq <= (SELECT MAX(seq) FROM deliveries) - ?`, s.journalMax)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
