// Package logx configures twitchwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON lines available for journald (Config.JSON)
//   - File output JSON-structured, reopened on Apply
package logx
