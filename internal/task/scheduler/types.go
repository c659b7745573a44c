package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid scheduling policy")

// TaskID is allocated from a per-scheduler counter and never reused.
type TaskID uint64

// PolicyKind discriminates SchedulingPolicy variants.
type PolicyKind uint8

const (
	PolicyOneShot PolicyKind = iota + 1
	PolicyRecurring
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyOneShot:
		return "once"
	case PolicyRecurring:
		return "recurring"
	default:
		return fmt.Sprintf("policy(%d)", uint8(k))
	}
}

// Iterations is the remaining fire count of a recurring policy.
// Remaining is ignored when Infinite is set.
type Iterations struct {
	Infinite  bool   `json:"infinite,omitempty"`
	Remaining uint64 `json:"remaining"`
}

func Infinite() Iterations { return Iterations{Infinite: true} }

func Exact(n uint64) Iterations { return Iterations{Remaining: n} }

func (it Iterations) String() string {
	if it.Infinite {
		return "infinite"
	}
	return fmt.Sprintf("x%d", it.Remaining)
}

// Policy describes when a task fires.
//
// OneShot fires once at scheduled_at + Delay. Recurring fires first at
// scheduled_at + Delay and then every Interval, Iterations times.
type Policy struct {
	Kind       PolicyKind    `json:"kind"`
	Delay      time.Duration `json:"delay"`
	Interval   time.Duration `json:"interval,omitempty"`
	Iterations Iterations    `json:"iterations"`
}

// OneShot fires exactly once after delay.
func OneShot(delay time.Duration) Policy {
	return Policy{Kind: PolicyOneShot, Delay: delay}
}

// Recurring fires every interval; the first occurrence is also one interval away.
func Recurring(interval time.Duration, it Iterations) Policy {
	return RecurringWithDelay(interval, interval, it)
}

// RecurringWithDelay fires first after delay and then every interval.
func RecurringWithDelay(delay, interval time.Duration, it Iterations) Policy {
	return Policy{Kind: PolicyRecurring, Delay: delay, Interval: interval, Iterations: it}
}

// Validate rejects policies the scheduler cannot honor. A recurring policy
// with a zero interval would come due again on every iterate.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyOneShot:
		if p.Delay < 0 {
			return fmt.Errorf("%w: negative delay %s", ErrInvalidPolicy, p.Delay)
		}
	case PolicyRecurring:
		if p.Delay < 0 {
			return fmt.Errorf("%w: negative delay %s", ErrInvalidPolicy, p.Delay)
		}
		if p.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidPolicy)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPolicy, uint8(p.Kind))
	}
	return nil
}

// Dormant reports whether the policy never fires (recurring with Exact(0)).
func (p Policy) Dormant() bool {
	return p.Kind == PolicyRecurring && !p.Iterations.Infinite && p.Iterations.Remaining == 0
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyOneShot:
		return fmt.Sprintf("once(%s)", p.Delay)
	case PolicyRecurring:
		if p.Delay == p.Interval {
			return fmt.Sprintf("every(%s, %s)", p.Interval, p.Iterations)
		}
		return fmt.Sprintf("every(%s, delay=%s, %s)", p.Interval, p.Delay, p.Iterations)
	default:
		return p.Kind.String()
	}
}

// Task is a scheduled unit of work. Tasks returned by the Scheduler are copies;
// mutating them has no effect on the store.
//
// LastFiredAt holds the nominal due time of the latest delivery and is only
// meaningful when FiredOnce is set.
type Task struct {
	ID          TaskID `json:"id"`
	Kind        uint8  `json:"kind"`
	Payload     []byte `json:"payload,omitempty"`
	ScheduledAt uint64 `json:"scheduled_at"`
	LastFiredAt uint64 `json:"last_fired_at,omitempty"`
	FiredOnce   bool   `json:"fired_once,omitempty"`
	Policy      Policy `json:"policy"`
}

func (t *Task) clone() Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append([]byte(nil), t.Payload...)
	}
	return cp
}

// NextDue returns the nominal due time of the task's next occurrence as
// recorded in the task itself. For a task copy returned by Iterate this is the
// due time of the delivery it represents.
func (t Task) NextDue() uint64 {
	if t.FiredOnce && t.Policy.Kind == PolicyRecurring {
		return t.LastFiredAt + uint64(t.Policy.Interval)
	}
	return t.ScheduledAt + uint64(t.Policy.Delay)
}
