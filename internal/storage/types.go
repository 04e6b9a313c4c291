package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Action  string    `json:"action"`  // schedule.install, schedule.uninstall, cleanup.run, exec
	Backend string    `json:"backend,omitempty"`
	Target  string    `json:"target"`  // command line, manifest path, ...
	Outcome string    `json:"outcome"` // ok, already_installed, error, partial
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
	DryRun  bool      `json:"dry_run,omitempty"`
}
