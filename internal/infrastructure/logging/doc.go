// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Packages log with *zap.Logger directly and share the field keys defined
// here (module_id, session_id, request_id).
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8000"))
//	logger.Session(sessionID, moduleID).Warn("Session stalled")
package logging
