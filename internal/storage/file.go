package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pulsecron/pkg/logx"
)

// fileStore keeps everything next to the configured path.
//
// Files:
//   - <prefix>.snapshot.json     (replaced atomically on save)
//   - <prefix>.deliveries.jsonl  (append-only JSON Lines)
//
// The journal is periodically compacted down to the newest journalMax records.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalPath  string
	journalFile  *os.File
	journalMax   int

	journalWrites int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	journalPath := prefix + ".deliveries.jsonl"
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  journalPath,
		journalFile:  jf,
		journalMax:   cfg.journalMax(),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) SaveSnapshot(ctx context.Context, data []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.snapshotPath, data)
}

func (s *fileStore) LoadSnapshot(ctx context.Context) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("delivery journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalMax > 0 && s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return readJournalTail(s.journalPath, n)
}

func (s *fileStore) compactLocked() error {
	keep, err := readJournalTail(s.journalPath, s.journalMax)
	if err != nil {
		return err
	}

	tmp := s.journalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	_ = s.journalFile.Close()
	s.journalFile = nil
	if err := os.Rename(tmp, s.journalPath); err != nil {
		return s.reopenJournalLocked(err)
	}
	return s.reopenJournalLocked(nil)
}

func (s *fileStore) reopenJournalLocked(cause error) error {
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Join(cause, err)
	}
	s.journalFile = jf
	return cause
}

// writeAtomic writes data to a temp file in the same directory, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJournalTail returns the last n valid records (all when n <= 0).
// Torn or malformed lines are skipped.
func readJournalTail(path string, n int) ([]DeliveryRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return scanJournal(f, n)
}

func scanJournal(r io.Reader, n int) ([]DeliveryRecord, error) {
	var out []DeliveryRecord
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rec DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
		if n > 0 && len(out) > 2*n {
			out = append(out[:0], out[len(out)-n:]...)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, sc.Err()
}
