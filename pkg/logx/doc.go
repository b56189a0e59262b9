// Package logx configures channelcast's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - a single live root logger whose sinks/level can be swapped at runtime
//     (config hot reload) without re-plumbing every component,
//   - slog-like Field ergonomics at call sites,
//   - a safe zero-value / Nop logger for tests.
package logx
