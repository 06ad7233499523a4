// Package logging provides structured logging for the capture
// supervisor and its subsystems: logrus-based component loggers with
// rotation via gopkg.in/natefinch/lumberjack.v2 and correlation-ID
// helpers for tracing a session's lifecycle across log lines.
//
// Usage:
//   - Component logger: logging.GetLogger("router")
//   - Global (re)configuration: logging.SetupLogging(config)
//   - Correlation: logging.WithCorrelationID(ctx, id), logger.WithContext(ctx)
//
// Field conventions:
//   - "component": subsystem name ("supervisor", "router", "record")
//   - "correlation_id": session-scope tracing ID
//   - "camera": camera key for per-camera lines
//   - "module": module name for module-process lines
package logging
