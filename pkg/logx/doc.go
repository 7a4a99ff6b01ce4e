// Package logx configures dripsend's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional gateway sink (min-level + rate limited) that forwards log
//     records to the notification collaborator as server-log events
package logx
