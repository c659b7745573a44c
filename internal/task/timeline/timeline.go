// Package timeline keeps pending firing events ordered by due time.
//
// The timeline never owns task data; entries only reference a task id. An entry
// whose task no longer exists is "stale" and is filtered by the caller.
package timeline

import (
	"container/heap"
	"sort"
)

// Entry is a pending firing event.
type Entry struct {
	TaskID uint64 `json:"task_id"`
	DueAt  uint64 `json:"due_at"`
}

func (e Entry) less(o Entry) bool {
	if e.DueAt != o.DueAt {
		return e.DueAt < o.DueAt
	}
	return e.TaskID < o.TaskID
}

// Timeline is a min-heap on DueAt. The zero value is ready to use.
// It is not safe for concurrent use.
type Timeline struct {
	h entryHeap
}

// New builds a timeline from entries in any order.
func New(entries []Entry) *Timeline {
	t := &Timeline{}
	t.Rebuild(entries)
	return t
}

// Push inserts an entry. It always succeeds.
func (t *Timeline) Push(e Entry) {
	heap.Push(&t.h, e)
}

// PopReady removes and returns every entry with DueAt <= now, in ascending due order.
// It returns nil when nothing is ready.
func (t *Timeline) PopReady(now uint64) []Entry {
	var out []Entry
	for len(t.h) > 0 && t.h[0].DueAt <= now {
		out = append(out, heap.Pop(&t.h).(Entry))
	}
	return out
}

// Peek returns the entry with the smallest due time.
func (t *Timeline) Peek() (Entry, bool) {
	if len(t.h) == 0 {
		return Entry{}, false
	}
	return t.h[0], true
}

func (t *Timeline) IsEmpty() bool { return len(t.h) == 0 }

func (t *Timeline) Len() int { return len(t.h) }

// Entries returns a sorted copy of all entries. The heap array order is an
// implementation detail and is never exposed.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.h))
	copy(out, t.h)
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Rebuild replaces the contents with entries and restores the heap property.
func (t *Timeline) Rebuild(entries []Entry) {
	t.h = make(entryHeap, len(entries))
	copy(t.h, entries)
	heap.Init(&t.h)
}

type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
