package scheduler

import (
	"fmt"
	"sort"

	"pulsecron/internal/task/timeline"
)

// Scheduler composes the task store and the timeline.
type Scheduler struct {
	tasks    map[TaskID]*Task
	nextID   TaskID
	timeline *timeline.Timeline

	// stale counts timeline entries skipped because their task was dequeued.
	stale uint64
}

func New() *Scheduler {
	return &Scheduler{
		tasks:    map[TaskID]*Task{},
		timeline: &timeline.Timeline{},
	}
}

// Enqueue stores a new task created at now and schedules its first occurrence.
//
// A recurring policy with Exact(0) iterations is stored but never pushed to the
// timeline. An invalid policy returns an error and leaves the scheduler untouched.
func (s *Scheduler) Enqueue(kind uint8, payload []byte, p Policy, now uint64) (TaskID, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	id := s.nextID
	s.nextID++

	t := &Task{
		ID:          id,
		Kind:        kind,
		ScheduledAt: now,
		Policy:      p,
	}
	if payload != nil {
		t.Payload = append([]byte(nil), payload...)
	}
	s.tasks[id] = t

	if !p.Dormant() {
		s.timeline.Push(timeline.Entry{TaskID: uint64(id), DueAt: now + uint64(p.Delay)})
	}
	return id, nil
}

// Iterate delivers every task due at or before now.
//
// The returned tasks are copies taken before rescheduling, ordered by due time.
// Entries whose task was dequeued are dropped silently.
func (s *Scheduler) Iterate(now uint64) []Task {
	ready := s.timeline.PopReady(now)
	if len(ready) == 0 {
		return nil
	}

	fired := make([]Task, 0, len(ready))
	for _, e := range ready {
		id := TaskID(e.TaskID)
		t, ok := s.tasks[id]
		if !ok {
			s.stale++
			continue
		}

		fired = append(fired, t.clone())

		if next, again := s.reschedule(t); again {
			s.timeline.Push(timeline.Entry{TaskID: e.TaskID, DueAt: next})
		} else {
			delete(s.tasks, id)
		}
	}
	return fired
}

// reschedule applies the policy bookkeeping for one delivery of t and reports
// the next due time. It returns false when t has no further occurrences.
//
// The first step advances from ScheduledAt by Delay, later steps advance from
// LastFiredAt by Interval, so the next due time never drifts with host latency.
func (s *Scheduler) reschedule(t *Task) (uint64, bool) {
	p := &t.Policy
	if p.Kind != PolicyRecurring {
		return 0, false
	}
	if !p.Iterations.Infinite {
		if p.Iterations.Remaining <= 1 {
			return 0, false
		}
		p.Iterations.Remaining--
	}

	base, step := t.ScheduledAt, uint64(p.Delay)
	if t.FiredOnce {
		base, step = t.LastFiredAt, uint64(p.Interval)
	}
	fired := base + step
	t.LastFiredAt = fired
	t.FiredOnce = true
	return fired + uint64(p.Interval), true
}

// Dequeue removes a task immediately. Its pending timeline entry, if any,
// is skipped when it comes due.
func (s *Scheduler) Dequeue(id TaskID) (Task, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	delete(s.tasks, id)
	return t.clone(), true
}

// IsIdle reports whether the timeline holds no entries (stale ones included).
func (s *Scheduler) IsIdle() bool { return s.timeline.IsEmpty() }

func (s *Scheduler) Get(id TaskID) (Task, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all live tasks ordered by id.
func (s *Scheduler) Tasks() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// Pending returns the number of timeline entries.
func (s *Scheduler) Pending() int { return s.timeline.Len() }

// NextDue returns the earliest due time on the timeline.
func (s *Scheduler) NextDue() (uint64, bool) {
	e, ok := s.timeline.Peek()
	return e.DueAt, ok
}

// Stale returns how many stale entries Iterate has discarded.
func (s *Scheduler) Stale() uint64 { return s.stale }

// State is the persistent form of a Scheduler. Tasks are ordered by id and the
// timeline is a sorted sequence, never the raw heap layout.
type State struct {
	NextID   TaskID           `json:"next_id"`
	Tasks    []Task           `json:"tasks"`
	Timeline []timeline.Entry `json:"timeline"`
}

func (s *Scheduler) Export() State {
	return State{
		NextID:   s.nextID,
		Tasks:    s.Tasks(),
		Timeline: s.timeline.Entries(),
	}
}

// Restore rebuilds a Scheduler from st. Timeline entries may reference absent
// tasks (stale entries are valid state); task ids must be unique and below NextID.
// Every live task except a dormant one has exactly one pending entry.
func Restore(st State) (*Scheduler, error) {
	s := New()
	s.nextID = st.NextID
	for i := range st.Tasks {
		t := st.Tasks[i].clone()
		if t.ID >= st.NextID {
			return nil, fmt.Errorf("task %d: id not below counter %d", t.ID, st.NextID)
		}
		if _, dup := s.tasks[t.ID]; dup {
			return nil, fmt.Errorf("task %d: duplicate id", t.ID)
		}
		if err := t.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		s.tasks[t.ID] = &t
	}
	pending := make(map[TaskID]bool, len(st.Timeline))
	for _, e := range st.Timeline {
		id := TaskID(e.TaskID)
		if id >= st.NextID {
			return nil, fmt.Errorf("timeline entry for task %d: id not below counter %d", id, st.NextID)
		}
		if _, live := s.tasks[id]; live && pending[id] {
			return nil, fmt.Errorf("task %d: more than one pending entry", id)
		}
		pending[id] = true
	}
	for id, t := range s.tasks {
		if !t.Policy.Dormant() && !pending[id] {
			return nil, fmt.Errorf("task %d: no pending entry", id)
		}
	}
	s.timeline.Rebuild(st.Timeline)
	return s, nil
}
