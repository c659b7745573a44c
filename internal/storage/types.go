package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const (
	defaultJournalMax = 10000
	defaultRedisKey   = "pulsecron:"
)

// Config configures storage.
//
// Driver values:
//   - "file": Path is the snapshot file; the journal sits next to it
//   - "sqlite": Path is the database file
//   - "redis": URL is a redis:// URL, Key prefixes every key
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	URL         string
	Key         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// JournalMax caps retained delivery records. 0 means the default, <0 keeps everything.
	JournalMax int
}

func (c Config) journalMax() int {
	if c.JournalMax == 0 {
		return defaultJournalMax
	}
	return c.JournalMax
}

// DeliveryRecord is one journaled dispatch outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At     time.Time `json:"at"`
	TaskID uint64    `json:"task_id"`
	Kind   uint8     `json:"kind"`
	Name   string    `json:"name,omitempty"`
	Due    uint64    `json:"due"`
	TookMS int64     `json:"took_ms"`
	Error  string    `json:"error,omitempty"`
}
