// Package timeres turns scheduling requests, either explicit timestamps or a
// small natural-language grammar, into absolute timestamps.
//
// Resolve is a pure function of (input, reference time, location): it never
// reads the wall clock, which keeps resolution deterministic and testable.
package timeres

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAmbiguous is returned when a phrase has no single interpretation
	// (e.g. "at 5" with no AM/PM). Callers surface this to the user.
	ErrAmbiguous = errors.New("ambiguous time")

	// ErrUnparseable is returned for input matching no recognized pattern.
	// Callers must surface this rather than scheduling silently.
	ErrUnparseable = errors.New("unparseable time")
)

// immediateDelay is applied to "now"/"immediately"/"asap" so the job lands on
// the next scheduler tick instead of being rejected as already past.
const immediateDelay = 2 * time.Minute

type Resolver struct {
	loc *time.Location
}

// New returns a resolver that interprets local phrases in loc.
// A nil location falls back to UTC.
func New(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{loc: loc}
}

func (r *Resolver) Location() *time.Location { return r.loc }

var (
	relativeRe = regexp.MustCompile(`^in\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h|days?|d|weeks?|w)$`)
	dateTimeRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[ t](\d{1,2}):(\d{2})$`)
	clockRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// Resolve parses raw against the reference time ref.
//
// Accepted forms:
//   - RFC 3339 timestamps and "YYYY-MM-DD HH:MM" (in the resolver location)
//   - "now" / "immediately" / "asap": ref + 2 minutes
//   - "in N minutes|hours|days|weeks"
//   - "today at T", "tomorrow [at T]", "[next] <weekday> [at T]"
//   - bare time of day ("at 2 PM", "14:30"): next occurrence, rolled forward
//     one day when already past relative to ref
func (r *Resolver) Resolve(raw string, ref time.Time) (time.Time, error) {
	s := normalize(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty input", ErrUnparseable)
	}

	if t, err := time.Parse(time.RFC3339, strings.ToUpper(s)); err == nil {
		return t, nil
	}
	if m := dateTimeRe.FindStringSubmatch(s); m != nil {
		return r.explicitDate(m)
	}

	switch s {
	case "now", "immediately", "asap", "right now":
		return ref.In(r.loc).Add(immediateDelay), nil
	}

	if m := relativeRe.FindStringSubmatch(s); m != nil {
		return r.relative(m, ref)
	}

	local := ref.In(r.loc)

	if rest, ok := strings.CutPrefix(s, "today"); ok {
		return r.dayAt(local, 0, strings.TrimSpace(rest))
	}
	if rest, ok := strings.CutPrefix(s, "tomorrow"); ok {
		return r.dayAt(local, 1, strings.TrimSpace(rest))
	}
	if wd, rest, ok := leadingWeekday(s); ok {
		return r.weekdayAt(local, wd, rest)
	}

	// Bare time of day: next occurrence.
	clock := strings.TrimSpace(strings.TrimPrefix(s, "at "))
	hour, minute, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, r.loc)
	if !t.After(local) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func (r *Resolver) explicitDate(m []string) (time.Time, error) {
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrUnparseable, strings.Join(m[1:], "-"))
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, r.loc), nil
}

func (r *Resolver) relative(m []string, ref time.Time) (time.Time, error) {
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return time.Time{}, fmt.Errorf("%w: bad offset %q", ErrUnparseable, m[1])
	}
	var unit time.Duration
	switch m[2][0] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return ref.Add(time.Duration(n) * unit), nil
}

// dayAt resolves "today"/"tomorrow" with an optional "at T" suffix.
// A bare "tomorrow" keeps the reference clock time one day ahead.
func (r *Resolver) dayAt(local time.Time, daysAhead int, rest string) (time.Time, error) {
	if rest == "" {
		if daysAhead == 0 {
			return time.Time{}, fmt.Errorf("%w: %q needs a time of day", ErrAmbiguous, "today")
		}
		return local.AddDate(0, 0, daysAhead), nil
	}
	clock := strings.TrimSpace(strings.TrimPrefix(rest, "at "))
	hour, minute, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(local.Year(), local.Month(), local.Day()+daysAhead, hour, minute, 0, 0, r.loc), nil
}

// weekdayAt resolves "[next] friday [at T]".
// "next X" is strictly after today; a bare weekday picks the next occurrence,
// today included when the time has not passed yet.
func (r *Resolver) weekdayAt(local time.Time, spec weekdaySpec, rest string) (time.Time, error) {
	hour, minute := 9, 0 // default publish slot when no time is given
	if rest != "" {
		clock := strings.TrimSpace(strings.TrimPrefix(rest, "at "))
		var err error
		hour, minute, err = parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
	}

	days := (int(spec.day) - int(local.Weekday()) + 7) % 7
	if days == 0 {
		if spec.next {
			days = 7
		} else {
			sameDay := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, r.loc)
			if !sameDay.After(local) {
				days = 7
			}
		}
	}
	return time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, r.loc), nil
}

type weekdaySpec struct {
	day  time.Weekday
	next bool
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

func leadingWeekday(s string) (weekdaySpec, string, bool) {
	next := false
	if rest, ok := strings.CutPrefix(s, "next "); ok {
		next = true
		s = rest
	}
	for name, wd := range weekdays {
		if rest, ok := strings.CutPrefix(s, name); ok {
			if rest != "" && !strings.HasPrefix(rest, " ") {
				continue
			}
			return weekdaySpec{day: wd, next: next}, strings.TrimSpace(rest), true
		}
	}
	return weekdaySpec{}, "", false
}

// parseClock parses "14:30", "05:30", "2:30pm", "2 pm", "14".
// An hour in 1..12 without AM/PM is ambiguous; 13..23 reads as 24-hour.
func parseClock(s string) (hour, minute int, err error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, s)
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, s)
	}

	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, s)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, s)
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, fmt.Errorf("%w: %q", ErrUnparseable, s)
		}
		// "5" or "5:30" could be morning or evening. Zero-padded "05:30" and
		// hours past 12 read as 24-hour and are unambiguous.
		if hour >= 1 && hour <= 12 && !(m[2] != "" && len(m[1]) == 2) {
			return 0, 0, fmt.Errorf("%w: %q lacks AM/PM", ErrAmbiguous, s)
		}
	}
	return hour, minute, nil
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimPrefix(s, "on ")
	return s
}
