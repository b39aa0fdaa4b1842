// Package schedule computes run instants for recurring task templates.
// NextRun is a pure function of its inputs; callers must always pass the
// current wall-clock instant, never a cached one.
package schedule

import (
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Schedule kinds understood by the calculator.
const (
	KindDaily  = "daily"
	KindWeekly = "weekly"
	KindHourly = "hourly"
	KindCron   = "cron"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
// It is used to validate expressions before the simplified daily computation.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRun returns the next run instant for the given schedule after now.
// kind semantics:
//
//	daily:  timeSpec is HH:MM (00:00 if absent); today at that time, or
//	        tomorrow if already passed.
//	weekly: value is comma-separated weekday indices (0=Mon..6=Sun); the
//	        first matching day within 7 days whose timeSpec instant is
//	        strictly after now, else now+7d.
//	hourly: value is an interval in hours (1 if absent/invalid); now+interval.
//	cron:   minute/hour from a 5-field expression whose dom/month/dow are
//	        all wildcards; anything else degrades to now+24h.
//
// Unknown kinds and unparseable inputs never fail: they fall back to
// now+24h (now+7d for weekly). The second return reports that a fallback
// was taken so callers can log the degradation.
func NextRun(kind, value, timeSpec string, now time.Time) (time.Time, bool) {
	switch kind {
	case KindDaily:
		hour, minute, ok := parseClock(timeSpec)
		if !ok {
			hour, minute = 0, 0
		}
		candidate := at(now, hour, minute)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, false

	case KindWeekly:
		days, daysOK := parseWeekdays(value)
		hour, minute, clockOK := parseClock(timeSpec)
		if !daysOK || !clockOK {
			return now.Add(7 * 24 * time.Hour), true
		}
		for i := 0; i < 7; i++ {
			day := now.AddDate(0, 0, i)
			if !days[mondayIndexedWeekday(day)] {
				continue
			}
			candidate := at(day, hour, minute)
			if candidate.After(now) {
				return candidate, false
			}
		}
		return now.Add(7 * 24 * time.Hour), false

	case KindHourly:
		hours, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || hours <= 0 {
			hours = 1
		}
		return now.Add(time.Duration(hours) * time.Hour), false

	case KindCron:
		if t, ok := nextCronRun(value, now); ok {
			return t, false
		}
		return now.Add(24 * time.Hour), true
	}

	return now.Add(24 * time.Hour), true
}

// nextCronRun handles the supported cron shape: integer minute and hour
// with wildcard day-of-month, month, and day-of-week fields.
func nextCronRun(expr string, now time.Time) (time.Time, bool) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) < 2 {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(fields[0])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}
	for _, f := range rest(fields, 2, 5) {
		if f != "*" {
			return time.Time{}, false
		}
	}
	// Full 5-field expressions also go through the cron parser so shapes it
	// rejects degrade the same way malformed values do.
	if len(fields) == 5 {
		if _, err := cronParser.Parse(strings.Join(fields, " ")); err != nil {
			return time.Time{}, false
		}
	}
	candidate := at(now, hour, minute)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, true
}

func rest(fields []string, from, to int) []string {
	if from >= len(fields) {
		return nil
	}
	if to > len(fields) {
		to = len(fields)
	}
	return fields[from:to]
}

// parseClock parses "HH:MM". Returns ok=false on any malformed input.
func parseClock(spec string) (hour, minute int, ok bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.HasPrefix(spec, "tz:") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// parseWeekdays parses a comma-separated list of Monday-indexed weekday
// numbers (0=Mon .. 6=Sun) into a membership set.
func parseWeekdays(value string) ([7]bool, bool) {
	var days [7]bool
	value = strings.TrimSpace(value)
	if value == "" {
		return days, false
	}
	any := false
	for _, part := range strings.Split(value, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || d < 0 || d > 6 {
			return days, false
		}
		days[d] = true
		any = true
	}
	return days, any
}

// mondayIndexedWeekday converts Go's Sunday-indexed weekday to 0=Mon..6=Sun.
func mondayIndexedWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}
