// Package pulse keeps a scheduler ticking until its timeline is drained.
//
// The Driver owns the scheduler and an "active" flag. Whenever work is pending
// and the driver is inactive it asks its Trigger for a tick; every Tick iterates
// the scheduler, hands fired tasks to the Dispatcher and requests the next tick
// unless the timeline is empty. What honors a tick request is pluggable:
//   - Loop: a single goroutine that serializes all engine calls and self-triggers,
//     spacing ticks with a rate limiter
//   - Heartbeat: a cron schedule that ticks periodically (with NopTrigger, or as
//     a backstop next to Loop)
//
// The Driver itself is not safe for concurrent use; run every call through a Loop.
package pulse
