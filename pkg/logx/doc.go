// Package logx configures quotebot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated by lumberjack
//   - An optional Telegram sink (min-level + rate limiting) for the log chat
package logx
