package recurrence

import (
	"strconv"
	"strings"
	"time"
)

// MaxOccurrences bounds how many rows a single series expansion may insert,
// regardless of the requested count or until date.
const MaxOccurrences = 26

type Freq int

const (
	FreqNone Freq = iota
	FreqWeekly
	FreqMonthly
)

// Rule is a parsed recurrence rule of the form FREQ=WEEKLY|MONTHLY;INTERVAL=n.
type Rule struct {
	Freq     Freq
	Interval int
}

func (r Rule) Recurring() bool {
	return r.Freq != FreqNone
}

// ParseRule parses a rule string. Anything unparseable or with an unsupported
// FREQ yields a non-recurring rule, never an error: callers fall back to a
// single occurrence.
func ParseRule(raw string) Rule {
	rule := Rule{Interval: 1}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return rule
	}

	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "FREQ":
			switch strings.ToUpper(strings.TrimSpace(value)) {
			case "WEEKLY":
				rule.Freq = FreqWeekly
			case "MONTHLY":
				rule.Freq = FreqMonthly
			}
		case "INTERVAL":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 1 {
				rule.Interval = n
			}
		}
	}
	return rule
}

// Expand returns the ordered, deduplicated occurrence dates for a series
// starting at start. The first element is always start. count (when > 0) and
// until (inclusive, when non-nil) both bound the sequence; whichever binds
// first wins, and the result never exceeds MaxOccurrences.
//
// Dates are calendar dates: the time-of-day portion of start is preserved
// as-is on every occurrence (callers pass midnight values).
func Expand(start time.Time, raw string, count int, until *time.Time) []time.Time {
	rule := ParseRule(raw)
	if !rule.Recurring() {
		return []time.Time{start}
	}

	limit := MaxOccurrences
	if count > 0 && count < limit {
		limit = count
	}

	dates := []time.Time{start}
	seen := map[string]bool{dateKey(start): true}
	for i := 1; len(dates) < limit; i++ {
		next := step(start, rule, i)
		if until != nil && next.After(*until) {
			break
		}
		if seen[dateKey(next)] {
			continue
		}
		seen[dateKey(next)] = true
		dates = append(dates, next)
	}
	return dates
}

// step computes the i-th occurrence from the anchor, not from the previous
// occurrence, so a short month never shifts the rest of a monthly series off
// its anchor's day-of-month.
func step(start time.Time, rule Rule, i int) time.Time {
	switch rule.Freq {
	case FreqWeekly:
		return start.AddDate(0, 0, 7*rule.Interval*i)
	case FreqMonthly:
		return addMonthsClamped(start, rule.Interval*i)
	default:
		return start
	}
}

// addMonthsClamped advances by whole calendar months, clamping the
// day-of-month to the last day of the target month instead of letting it roll
// over (Jan 31 + 1 month = Feb 28/29, not Mar 2/3).
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
