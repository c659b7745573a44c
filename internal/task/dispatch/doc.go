// Package dispatch maps task kinds to handlers and delivers fired tasks.
//
// Payload encoding lives here, at the boundary: callers Encode a value before
// enqueueing, and Register wraps a typed handler that Decodes it on delivery.
// A failing, unknown or panicking handler is reported for that task only.
package dispatch
