// Package logx configures pulsekeeper's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional operator sink (remote chat via a Sender, min-level + rate limiting)
package logx
