package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

var dayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// tzAbbrevs maps common IANA zone names to short labels for display.
var tzAbbrevs = map[string]string{
	"America/Los_Angeles": "PST",
	"America/New_York":    "EST",
	"America/Chicago":     "CST",
	"America/Denver":      "MST",
	"Europe/London":       "GMT",
}

// Describe formats a schedule as a human-readable string, e.g.
// "Every day at 09:00" or "Daily at 9:30 AM PST" for timezone-tagged crons.
func Describe(kind, value, timeSpec string) string {
	switch kind {
	case KindDaily:
		timeStr := timeSpec
		if timeStr == "" {
			timeStr = "00:00"
		}
		return fmt.Sprintf("Every day at %s", timeStr)

	case KindWeekly:
		days, ok := parseWeekdays(value)
		if !ok {
			return "Weekly"
		}
		var names []string
		for i, set := range days {
			if set {
				names = append(names, dayNames[i])
			}
		}
		timeStr := timeSpec
		if timeStr == "" {
			timeStr = "00:00"
		}
		return fmt.Sprintf("Weekly on %s at %s", strings.Join(names, ", "), timeStr)

	case KindHourly:
		hours, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || hours <= 0 {
			hours = 1
		}
		if hours == 1 {
			return "Every hour"
		}
		return fmt.Sprintf("Every %d hours", hours)

	case KindCron:
		fields := strings.Fields(strings.TrimSpace(value))
		if len(fields) >= 2 {
			minute, errM := strconv.Atoi(fields[0])
			hour, errH := strconv.Atoi(fields[1])
			wildcard := true
			for _, f := range fields[2:] {
				if f != "*" {
					wildcard = false
				}
			}
			if errM == nil && errH == nil && wildcard {
				period := "AM"
				if hour >= 12 {
					period = "PM"
				}
				displayHour := hour % 12
				if displayHour == 0 {
					displayHour = 12
				}
				tzLabel := "UTC"
				if strings.HasPrefix(timeSpec, "tz:") {
					name := timeSpec[3:]
					if abbrev, ok := tzAbbrevs[name]; ok {
						tzLabel = abbrev
					} else {
						tzLabel = name
					}
				}
				return fmt.Sprintf("Daily at %d:%02d %s %s", displayHour, minute, period, tzLabel)
			}
		}
		return fmt.Sprintf("Cron: %s", value)
	}

	return kind
}
