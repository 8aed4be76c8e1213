package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned for schedules that cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// maxCatchUp bounds the instants walked when a cron job has been idle for a
// long time. Missed instants collapse into one firing.
const maxCatchUp = 100000

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule reports scheduled instants.
type Schedule interface {
	// Latest returns the most recent instant in (after, now].
	Latest(after, now time.Time) (time.Time, bool)

	// OneShot reports whether the schedule has a single instant.
	OneShot() bool
}

type intervalSchedule struct {
	anchor time.Time
	every  time.Duration
}

func (s intervalSchedule) Latest(after, now time.Time) (time.Time, bool) {
	if !now.After(s.anchor) {
		return time.Time{}, false
	}
	k := now.Sub(s.anchor) / s.every
	if k < 1 {
		return time.Time{}, false
	}
	t := s.anchor.Add(k * s.every)
	return t, t.After(after)
}

func (intervalSchedule) OneShot() bool { return false }

type cronSchedule struct {
	spec cron.Schedule
}

func (s cronSchedule) Latest(after, now time.Time) (time.Time, bool) {
	t := s.spec.Next(after)
	if t.IsZero() || t.After(now) {
		return time.Time{}, false
	}
	for i := 0; i < maxCatchUp; i++ {
		n := s.spec.Next(t)
		if n.IsZero() || n.After(now) {
			break
		}
		t = n
	}
	return t, true
}

func (cronSchedule) OneShot() bool { return false }

type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Latest(after, now time.Time) (time.Time, bool) {
	if s.at.After(after) && !s.at.After(now) {
		return s.at, true
	}
	return time.Time{}, false
}

func (onceSchedule) OneShot() bool { return true }

// Parse interprets a stored schedule. Interval schedules count from anchor,
// normally the job's creation time.
//
// Accepted forms: "@every 5m", "every 5m", "at <RFC3339>", the cron
// descriptors (@hourly, @daily, ...) and 5-field cron expressions.
func Parse(spec string, anchor time.Time) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	lower := strings.ToLower(spec)
	switch {
	case spec == "":
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchedule)

	case strings.HasPrefix(lower, "@every ") || strings.HasPrefix(lower, "every "):
		raw := strings.TrimSpace(spec[strings.IndexByte(spec, ' ')+1:])
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("%w: interval %s is shorter than 1s", ErrInvalidSchedule, d)
		}
		return intervalSchedule{anchor: anchor, every: d}, nil

	case strings.HasPrefix(lower, "at "):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(spec[3:]))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
		}
		return onceSchedule{at: t}, nil
	}

	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return cronSchedule{spec: s}, nil
}

// Normalize rewrites user input into the stored form accepted by Parse.
// Relative and wall-clock one-shot times ("in 10 minutes", "at 15:04") are
// resolved against now. Natural phrases ("every 2 hours", "daily at 9am",
// "weekly on monday") become intervals or cron expressions.
func Normalize(input string, now time.Time) (string, error) {
	in := strings.TrimSpace(input)
	lower := strings.ToLower(in)
	if lower == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}

	if out, ok := naturalSchedule(lower); ok {
		return out, nil
	}
	if m := reIn.FindStringSubmatch(lower); m != nil {
		d, ok := phraseDuration(m[1], m[2])
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidSchedule, input)
		}
		return "at " + now.Add(d).UTC().Format(time.RFC3339), nil
	}
	if strings.HasPrefix(lower, "at ") {
		t, err := parseOneShot(strings.TrimSpace(in[3:]), now)
		if err != nil {
			return "", err
		}
		return "at " + t.UTC().Format(time.RFC3339), nil
	}
	if strings.HasPrefix(lower, "every ") {
		in = "@" + in
	}
	if _, err := Parse(in, now); err != nil {
		return "", err
	}
	return in, nil
}

// parseOneShot accepts RFC3339, "2006-01-02 15:04", "15:04" (next
// occurrence) and relative durations ("90m").
func parseOneShot(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse("15:04", s); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target, nil
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized time %q", ErrInvalidSchedule, s)
}

var (
	reEveryN    = regexp.MustCompile(`^every\s+(\d+)\s+(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)$`)
	reEveryUnit = regexp.MustCompile(`^every\s+(second|minute|hour|day)$`)
	reDailyAt   = regexp.MustCompile(`^(?:daily|every\s+day)\s+at\s+(.+)$`)
	reWeeklyOn  = regexp.MustCompile(`^(?:weekly\s+on|every)\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)(?:\s+at\s+(.+))?$`)
	reIn        = regexp.MustCompile(`^in\s+(\d+)\s+(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)$`)
	reClock     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var weekdays = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

func naturalSchedule(s string) (string, bool) {
	switch s {
	case "hourly":
		return "@every 1h", true
	case "daily":
		return "0 0 * * *", true
	case "weekly":
		return "0 0 * * 0", true
	}
	if m := reEveryN.FindStringSubmatch(s); m != nil {
		if d, ok := phraseDuration(m[1], m[2]); ok {
			return "@every " + formatDuration(d), true
		}
	}
	if m := reEveryUnit.FindStringSubmatch(s); m != nil {
		d, _ := phraseDuration("1", m[1])
		return "@every " + formatDuration(d), true
	}
	if m := reDailyAt.FindStringSubmatch(s); m != nil {
		if h, mm, ok := clock(m[1]); ok {
			return fmt.Sprintf("%d %d * * *", mm, h), true
		}
	}
	if m := reWeeklyOn.FindStringSubmatch(s); m != nil {
		h, mm := 0, 0
		if m[2] != "" {
			var ok bool
			if h, mm, ok = clock(m[2]); !ok {
				return "", false
			}
		}
		return fmt.Sprintf("%d %d * * %d", mm, h, weekdays[m[1]]), true
	}
	return "", false
}

func phraseDuration(count, unit string) (time.Duration, bool) {
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return 0, false
	}
	var base time.Duration
	switch {
	case strings.HasPrefix(unit, "s"):
		base = time.Second
	case strings.HasPrefix(unit, "m"):
		base = time.Minute
	case strings.HasPrefix(unit, "h"):
		base = time.Hour
	case strings.HasPrefix(unit, "d"):
		base = 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * base, true
}

// formatDuration drops the zero tails time.Duration.String adds ("1h0m0s").
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}

// clock parses "9", "9am", "9:30", "21:30" and "9:30 pm".
func clock(s string) (hour, minute int, ok bool) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
