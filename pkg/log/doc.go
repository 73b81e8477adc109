// Package log provides the structured logging system used across histore.
//
// Loggers are constructed explicitly and passed by dependency injection; there
// is no global default. The Field-based API is the primary surface:
//
//	logger := log.NewLogger(log.WithLevel(log.DebugLevel))
//	logger = logger.With(log.Component("listener"))
//	logger.Info("drain complete", log.Int("delivered", n), log.Uint64("watermark", w))
//
// Records flow through a slog.Handler bridge into a Formatter (JSON or text)
// and one or more Outputs. RedirectStdLog captures stdlib log output (Pebble
// logs through the stdlib logger) and routes it through the same pipeline.
package log
