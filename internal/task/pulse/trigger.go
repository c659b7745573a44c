package pulse

import "errors"

var (
	ErrTriggerBusy = errors.New("tick request rejected: host busy")
	ErrLoopStopped = errors.New("pulse loop stopped")
)

// Trigger is the host's re-invocation primitive. RequestTick asks the host to
// call Driver.Tick again later; it must not block and must not call Tick itself.
type Trigger interface {
	RequestTick() error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func() error

func (f TriggerFunc) RequestTick() error { return f() }

// NopTrigger accepts every request and does nothing. Use it when ticks come
// from an external heartbeat.
type NopTrigger struct{}

func (NopTrigger) RequestTick() error { return nil }
