// Package storage provides the audit trail for operator actions
// (schedule install/uninstall, cleanup runs, manual pipeline runs).
//
// Drivers:
//   - file:   append-only JSON Lines
//   - sqlite: SQLite database file (modernc.org/sqlite, no cgo)
package storage
