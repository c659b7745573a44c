// Package snapshot encodes scheduler state for restart continuity.
//
// A document carries the scheduler state (task store, id counter, sorted
// timeline), the pulse driver's active flag and the id of the process that
// wrote it. The timeline is stored as a sorted sequence and the heap is
// rebuilt on import.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulsecron/internal/task/scheduler"
)

// Version is the current document format.
const Version = 1

var (
	ErrVersion = errors.New("unsupported snapshot version")
	ErrCorrupt = errors.New("corrupt snapshot")
)

// Instance identifies this process in every document it writes.
var Instance = uuid.New()

type Document struct {
	Version   int             `json:"version"`
	Instance  uuid.UUID       `json:"instance"`
	WrittenAt time.Time       `json:"written_at"`
	Active    bool            `json:"active"`
	Scheduler scheduler.State `json:"scheduler"`
}

// Restored is an imported snapshot ready to be wrapped in a driver.
type Restored struct {
	Scheduler *scheduler.Scheduler
	Active    bool
	Instance  uuid.UUID
	WrittenAt time.Time
}

// Export serializes s and the driver's active flag.
func Export(s *scheduler.Scheduler, active bool) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("snapshot export: nil scheduler")
	}
	doc := Document{
		Version:   Version,
		Instance:  Instance,
		WrittenAt: time.Now().UTC(),
		Active:    active,
		Scheduler: s.Export(),
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshot export: %w", err)
	}
	return b, nil
}

// Import decodes a document produced by Export. Unknown fields, trailing
// data and states that violate scheduler invariants are rejected as ErrCorrupt.
func Import(b []byte) (Restored, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Restored{}, fmt.Errorf("%w: empty", ErrCorrupt)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Restored{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if dec.More() {
		return Restored{}, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	if doc.Version != Version {
		return Restored{}, fmt.Errorf("%w: %d", ErrVersion, doc.Version)
	}

	s, err := scheduler.Restore(doc.Scheduler)
	if err != nil {
		return Restored{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Restored{
		Scheduler: s,
		Active:    doc.Active,
		Instance:  doc.Instance,
		WrittenAt: doc.WrittenAt,
	}, nil
}
