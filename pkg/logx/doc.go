// Package logx is a thin structured-logging layer over zerolog.
//
// A Logger is a value: With returns a copy carrying extra fields, and the zero
// value discards everything. Loggers derived from a Service follow its current
// level and sinks, so a config reload takes effect without re-plumbing loggers.
package logx
