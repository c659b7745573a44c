package dispatch

import (
	"context"
	"time"

	"pulsecron/internal/task/scheduler"
)

const EventDelivered = "dispatch.delivered"

// Config controls delivery.
type Config struct {
	// Timeout bounds a single handler call. 0 disables it.
	Timeout     time.Duration
	HistorySize int
}

// Handler handles one fired task.
type Handler func(ctx context.Context, t scheduler.Task) error

// Delivery describes the outcome of one dispatch. It is published on the event
// bus as EventDelivered and kept in the history ring.
type Delivery struct {
	TaskID   scheduler.TaskID `json:"task_id"`
	Kind     uint8            `json:"kind"`
	Name     string           `json:"name,omitempty"`
	Due      uint64           `json:"due"`
	Now      uint64           `json:"now"`
	Started  time.Time        `json:"started"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Kinds     map[uint8]string
	Delivered uint64
	Failed    uint64
	Timeout   time.Duration
	History   []Delivery
}
