package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule decides when a time_based trigger is due. It is built from
// trigger_config: either interval_minutes or a 5-field cron expression.
type Schedule struct {
	Interval time.Duration
	Cron     *Cron
}

// ParseSchedule reads interval_minutes or cron from cfg.
func ParseSchedule(cfg map[string]any) (Schedule, error) {
	if expr, ok := cfg["cron"].(string); ok && expr != "" {
		c, err := ParseCron(expr)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Cron: c}, nil
	}
	minutes, ok := number(cfg["interval_minutes"])
	if !ok || minutes <= 0 {
		return Schedule{}, fmt.Errorf("time_based trigger needs interval_minutes > 0 or cron")
	}
	return Schedule{Interval: time.Duration(minutes * float64(time.Minute))}, nil
}

// Due reports whether the trigger should fire at now given its last run.
// A trigger that never ran is due immediately on an interval schedule and
// at the next matching minute on a cron schedule.
func (s Schedule) Due(last *time.Time, now time.Time) bool {
	if s.Cron != nil {
		if !s.Cron.Matches(now) {
			return false
		}
		return last == nil || last.Truncate(time.Minute).Before(now.Truncate(time.Minute))
	}
	return last == nil || now.Sub(*last) >= s.Interval
}

// Cron is a parsed 5-field cron expression (minute hour dom month dow).
// Each field is a bit set of allowed values.
type Cron struct {
	minute, hour, dom, month, dow uint64
}

var cronFields = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron accepts *, */N, N, N-M, N-M/S and comma lists in each field.
func ParseCron(expr string) (*Cron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}
	var sets [5]uint64
	for i, f := range fields {
		spec := cronFields[i]
		set, err := parseCronField(f, spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", spec.name, err)
		}
		sets[i] = set
	}
	return &Cron{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

// Matches reports whether t falls on a scheduled minute.
func (c *Cron) Matches(t time.Time) bool {
	return has(c.minute, t.Minute()) && has(c.hour, t.Hour()) && has(c.dom, t.Day()) &&
		has(c.month, int(t.Month())) && has(c.dow, int(t.Weekday()))
}

// Next returns the first scheduled minute after t, or the zero time when
// nothing matches within two years.
func (c *Cron) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	for next.Before(limit) {
		switch {
		case !has(c.month, int(next.Month())):
			next = time.Date(next.Year(), next.Month()+1, 1, 0, 0, 0, 0, next.Location())
		case !has(c.dom, next.Day()) || !has(c.dow, int(next.Weekday())):
			next = time.Date(next.Year(), next.Month(), next.Day()+1, 0, 0, 0, 0, next.Location())
		case !has(c.hour, next.Hour()):
			next = next.Truncate(time.Hour).Add(time.Hour)
		case !has(c.minute, next.Minute()):
			next = next.Add(time.Minute)
		default:
			return next
		}
	}
	return time.Time{}
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func parseCronField(field string, lo, hi int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		from, to, step := lo, hi, 1
		rng, stepStr, hasStep := strings.Cut(part, "/")
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil || from > to {
				return 0, fmt.Errorf("invalid range %q", rng)
			}
		default:
			n, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", rng)
			}
			from, to = n, n
			if hasStep {
				to = hi
			}
		}
		if from < lo || to > hi {
			return 0, fmt.Errorf("%q out of bounds [%d,%d]", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}
