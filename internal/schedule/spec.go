package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DailySpec builds the cron spec for "every day at HH:MM".
func DailySpec(hhmm string) (string, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ParseSpec validates a 5-field cron expression or descriptor.
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule spec")
	}
	if strings.HasPrefix(spec, "@every") {
		return nil, fmt.Errorf("spec %q: @every is not expressible in crontab", spec)
	}
	s, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("spec %q: %w", spec, err)
	}
	return s, nil
}

// NextFire returns the first activation of spec strictly after now,
// evaluated on the wall clock of loc.
func NextFire(spec string, now time.Time, loc *time.Location) (time.Time, error) {
	s, err := ParseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return s.Next(now.In(loc)), nil
}

var calendarDescriptors = map[string]string{
	"@yearly":   "yearly",
	"@annually": "yearly",
	"@monthly":  "monthly",
	"@weekly":   "weekly",
	"@daily":    "daily",
	"@midnight": "daily",
	"@hourly":   "hourly",
}

var calendarDow = map[string]string{
	"0": "Sun", "1": "Mon", "2": "Tue", "3": "Wed",
	"4": "Thu", "5": "Fri", "6": "Sat", "7": "Sun",
}

// CronToCalendar converts a 5-field cron expression to systemd OnCalendar format.
func CronToCalendar(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if _, err := ParseSpec(spec); err != nil {
		return "", err
	}
	if strings.HasPrefix(spec, "@") {
		if cal, ok := calendarDescriptors[spec]; ok {
			return cal, nil
		}
		return "", fmt.Errorf("descriptor %q has no OnCalendar equivalent", spec)
	}

	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return "", fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	if restricted(dom) && restricted(dow) {
		return "", fmt.Errorf("%q restricts both day-of-month and day-of-week; cron matches either, OnCalendar would require both", spec)
	}

	var dowPart string
	if restricted(dow) {
		d, err := calendarWeekdays(dow)
		if err != nil {
			return "", err
		}
		dowPart = d + " "
	}

	return fmt.Sprintf("%s*-%s-%s %s:%s:00",
		dowPart,
		calendarField(month, "1"),
		calendarField(dom, "1"),
		calendarField(hour, "0"),
		calendarField(minute, "0"),
	), nil
}

func restricted(field string) bool { return field != "*" && field != "?" }

// calendarField rewrites cron ranges and steps: "*/N" -> "base/N", "a-b" -> "a..b".
func calendarField(field, base string) string {
	if field == "?" {
		return "*"
	}
	parts := strings.Split(field, ",")
	for i, p := range parts {
		if strings.HasPrefix(p, "*/") {
			parts[i] = base + "/" + p[2:]
			continue
		}
		parts[i] = strings.Replace(p, "-", "..", 1)
	}
	return strings.Join(parts, ",")
}

func calendarWeekdays(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, p := range parts {
		if strings.Contains(p, "/") {
			return "", fmt.Errorf("day-of-week step %q has no OnCalendar equivalent", p)
		}
		lo, hi, isRange := strings.Cut(p, "-")
		a, ok := weekdayName(lo)
		if !ok {
			return "", fmt.Errorf("invalid day-of-week %q", p)
		}
		if !isRange {
			parts[i] = a
			continue
		}
		b, ok := weekdayName(hi)
		if !ok {
			return "", fmt.Errorf("invalid day-of-week %q", p)
		}
		parts[i] = a + ".." + b
	}
	return strings.Join(parts, ","), nil
}

func weekdayName(s string) (string, bool) {
	if d, ok := calendarDow[s]; ok {
		return d, true
	}
	// cron also accepts names (SUN, mon, ...)
	if len(s) == 3 {
		n := strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
		for _, d := range calendarDow {
			if d == n {
				return d, true
			}
		}
	}
	return "", false
}
