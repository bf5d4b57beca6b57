// Package logging provides structured logging for loopforge on top of zap.
//
// The Logger type adds context-aware methods that attach correlation fields
// (trace and span ids, request id, owner, task and job ids) to every entry.
// Components that only need a plain *zap.Logger receive Underlying() and can
// add the same fields with ContextFields:
//
//	logger.Info("job started", append(logging.ContextFields(ctx), zap.Int("attempt", n))...)
//
// Output goes to stdout (json or console), to an OpenTelemetry log provider
// through the otelzap bridge, or both. Sensitive keys and value patterns are
// redacted by the stdout encoder.
package logging
