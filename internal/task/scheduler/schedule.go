package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed schedule string.
//
// Accepted forms are a Go duration ("55m", "2h30m") or HH:MM ("01:30" is 90
// minutes), optionally prefixed with "every:"/"interval:" for a recurring
// task or "once:"/"in:" for a one-shot.
type Schedule struct {
	Kind  PolicyKind
	Every time.Duration
	Form  string // "duration" or "hhmm"
}

var schedulePrefixes = map[string]PolicyKind{
	"every":    PolicyRecurring,
	"interval": PolicyRecurring,
	"once":     PolicyOneShot,
	"in":       PolicyOneShot,
}

var errNonPositive = errors.New("interval must be > 0")

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}
	out := Schedule{Kind: PolicyRecurring}
	if head, rest, ok := strings.Cut(s, ":"); ok {
		if kind, known := schedulePrefixes[strings.ToLower(strings.TrimSpace(head))]; known {
			out.Kind, s = kind, strings.TrimSpace(rest)
		}
	}

	var err error
	if strings.Contains(s, ":") {
		out.Every, err = parseHHMM(s)
		out.Form = "hhmm"
	} else {
		out.Every, err = parseDuration(s)
		out.Form = "duration"
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return out, nil
}

// ParsePolicy combines a schedule with an optional first-run delay and
// iteration count. An empty delay means one interval; nil times means
// infinite. Both are ignored for one-shot schedules.
func ParsePolicy(schedule, delay string, times *uint64) (Policy, error) {
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return Policy{}, err
	}
	if sc.Kind == PolicyOneShot {
		return OneShot(sc.Every), nil
	}

	first := sc.Every
	if d := strings.TrimSpace(delay); d != "" {
		if first, err = time.ParseDuration(d); err != nil {
			return Policy{}, fmt.Errorf("invalid delay %q: %w", delay, err)
		}
		if first < 0 {
			return Policy{}, fmt.Errorf("invalid delay %q: must be >= 0", delay)
		}
	}

	it := Infinite()
	if times != nil {
		it = Exact(*times)
	}
	p := RecurringWithDelay(first, sc.Every, it)
	return p, p.Validate()
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New("use HH:MM or a Go duration such as 55m or 2h30m")
	}
	if d <= 0 {
		return 0, errNonPositive
	}
	return d, nil
}

// parseHHMM accepts 1-3 hour digits and exactly two minute digits (00-59).
func parseHHMM(s string) (time.Duration, error) {
	hs, ms, _ := strings.Cut(s, ":")
	if len(hs) < 1 || len(hs) > 3 || len(ms) != 2 || !digits(hs) || !digits(ms) {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	h, _ := strconv.Atoi(hs)
	m, _ := strconv.Atoi(ms)
	if m > 59 {
		return 0, fmt.Errorf("minutes out of range in %q", s)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if d <= 0 {
		return 0, errNonPositive
	}
	return d, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
