package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

// ErrUnsupported is returned by every UnitManager operation on non-linux hosts.
var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// UnitStatus represents the current state of a unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, etc.
	SubState    string // running, waiting, dead, etc.
	LoadState   string // loaded, not-found, etc.
	Description string
	Enabled     bool   // UnitFileState == enabled
	Fragment    string // unit file path systemd loaded

	ActiveSince time.Time // ActiveEnterTimestamp
	NextElapse  time.Time // timers only: NextElapseUSecRealtime
	LastTrigger time.Time // timers only: LastTriggerUSec
}

// Loaded reports whether systemd knows the unit.
func (s *UnitStatus) Loaded() bool {
	return s != nil && s.LoadState != "" && s.LoadState != "not-found"
}

func notFound(unit string) *UnitStatus {
	return &UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 && ts != ^uint64(0) {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found") || strings.Contains(es, "does not exist")
}

// IsAccessDenied reports whether err is a polkit/D-Bus authorization failure.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "AccessDenied") ||
		strings.Contains(es, "InteractiveAuthorizationRequired") ||
		strings.Contains(es, "Interactive authentication required") ||
		strings.Contains(es, "Access denied")
}
