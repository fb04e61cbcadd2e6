package booking

import (
	"regexp"
	"strings"
	"time"
)

// DefaultSessionDuration is the calendar event window used when the caller
// only names a start time.
const DefaultSessionDuration = 30 * time.Minute

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var clockPattern = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.|o'clock)?\b`)

// ParseSpokenTime resolves a natural-language scheduling expression
// ("next tuesday at 3pm", "tomorrow at 10:30 am") to an absolute timestamp
// relative to now. A time of day is required; the day defaults to the next
// occurrence that keeps the result in the future. Returns false when no
// usable time is found.
func ParseSpokenTime(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(text)

	hour, minute, ok := parseClock(lower)
	if !ok {
		return time.Time{}, false
	}

	day := now
	dayExplicit := false
	switch {
	case strings.Contains(lower, "tomorrow"):
		day = now.AddDate(0, 0, 1)
		dayExplicit = true
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		dayExplicit = true
	default:
		for name, wd := range weekdays {
			if !containsWord(lower, name) {
				continue
			}
			ahead := (int(wd) - int(now.Weekday()) + 7) % 7
			if ahead == 0 {
				ahead = 7
			}
			day = now.AddDate(0, 0, ahead)
			dayExplicit = true
			break
		}
	}

	resolved := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	if !dayExplicit && !resolved.After(now) {
		resolved = resolved.AddDate(0, 0, 1)
	}
	if !resolved.After(now) {
		return time.Time{}, false
	}
	return resolved, true
}

func parseClock(lower string) (hour, minute int, ok bool) {
	if containsWord(lower, "noon") || containsWord(lower, "midday") {
		return 12, 0, true
	}
	if containsWord(lower, "midnight") {
		return 0, 0, true
	}

	m := clockPattern.FindStringSubmatch(lower)
	if m == nil {
		return 0, 0, false
	}
	hour = atoiSafe(m[1])
	if m[2] != "" {
		minute = atoiSafe(m[2])
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}

	meridiem := strings.ReplaceAll(m[3], ".", "")
	switch meridiem {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 12 {
			hour += 12
		}
	default:
		// No meridiem spoken. Treat small hours as afternoon; sessions are
		// not booked between one and seven in the morning.
		if hour >= 1 && hour <= 7 {
			hour += 12
		}
	}
	return hour, minute, true
}

func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(s) || !isWordChar(s[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
