// Package logx configures structured logging for the scheduler daemon.
//
// A small wrapper (logx.Logger) sits on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File and JSON output structured
//   - Levels and sinks swappable at runtime through Service.Apply
package logx
