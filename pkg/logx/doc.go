// Package logx configures pipectl's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller) on stderr,
//     so stdout stays reserved for stable command reports
//   - File output JSON-structured
package logx
