// Package logging provides structured logging for devflow.
//
// # Overview
//
// Logger wraps zap and pulls correlation fields out of the context on every
// call, so engine code logs with the run it is driving:
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	logger.Info(ctx, "stage completed", zap.String("stage", "reviewer"))
//
// # Outputs
//
// Entries go to stdout (JSON or console) and, when a LoggerProvider is given,
// to OpenTelemetry through the otelzap bridge. Everything below Error is
// sampled; errors never are.
//
// # Redaction
//
// NewRedactingEncoder masks string fields whose key contains a configured
// fragment and any string value matching a configured pattern.
//
// # Component levels
//
// logging.components sets the level of a named child logger, so
// Named("engine") can log at debug while the rest stays at info.
//
// # Testing
//
// NewTestLogger records entries in memory for assertions.
package logging
