// Package scheduler owns task records and their scheduling policies.
//
// A Scheduler composes a task store with a timeline of due times:
//   - Enqueue stores a task and pushes its first due time
//   - Iterate pops ready entries, snapshots the fired tasks and reschedules them
//   - Dequeue removes a task; its pending timeline entry goes stale and is skipped
//
// Payloads are opaque bytes tagged with a kind discriminant; encoding and decoding
// happen at the boundary (see internal/task/dispatch). A Scheduler is not safe for
// concurrent use: the embedding host serializes calls (see internal/task/pulse).
package scheduler
