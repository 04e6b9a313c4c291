package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HostZone reports the zone name cron and systemd evaluate wall-clock
// specs in: $TZ, then the /etc/localtime symlink target, then /etc/timezone.
func HostZone() string {
	if tz := strings.TrimPrefix(strings.TrimSpace(os.Getenv("TZ")), ":"); tz != "" {
		return tz
	}
	if target, err := filepath.EvalSymlinks("/etc/localtime"); err == nil {
		if _, name, ok := strings.Cut(target, "zoneinfo/"); ok && name != "" {
			return name
		}
	}
	if b, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(string(b)); tz != "" {
			return tz
		}
	}
	return time.Local.String()
}

// loadZone resolves a zone name, falling back to time.Local.
func loadZone(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// zoneWarning returns a non-empty message when the host zone differs from
// the operator's intended zone. Mismatch never fails an install.
func zoneWarning(intended, host string, now time.Time) string {
	intended = strings.TrimSpace(intended)
	if intended == "" || strings.EqualFold(intended, host) {
		return ""
	}
	want, err := time.LoadLocation(intended)
	if err != nil {
		return fmt.Sprintf("intended timezone %q is unknown; host runs %s", intended, host)
	}
	_, wantOff := now.In(want).Zone()
	_, hostOff := now.In(loadZone(host)).Zone()
	if wantOff == hostOff {
		return fmt.Sprintf("host timezone is %s, intended %s (same offset today, may drift with DST)", host, intended)
	}
	return fmt.Sprintf("host timezone is %s, intended %s: entries fire on %s wall clock", host, intended, host)
}
