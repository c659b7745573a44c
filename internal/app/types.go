package app

import (
	"time"

	"pulsecron/internal/task/scheduler"
)

// Aliases so embedders can build policies without importing the scheduler package.
type (
	TaskID     = scheduler.TaskID
	Task       = scheduler.Task
	Policy     = scheduler.Policy
	Iterations = scheduler.Iterations
)

func OneShot(delay time.Duration) Policy { return scheduler.OneShot(delay) }

func Recurring(interval time.Duration, it Iterations) Policy {
	return scheduler.Recurring(interval, it)
}

func RecurringWithDelay(delay, interval time.Duration, it Iterations) Policy {
	return scheduler.RecurringWithDelay(delay, interval, it)
}

func Infinite() Iterations       { return scheduler.Infinite() }
func Exact(n uint64) Iterations { return scheduler.Exact(n) }
