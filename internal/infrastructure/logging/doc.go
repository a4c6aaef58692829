// Package logging provides structured logging for the bioauth service.
//
// It wraps log/slog so every entry carries the service name and build
// version. Components receive a child logger from Component and log with
// key/value pairs:
//
//	logger := logging.New(cfg.Logging, version)
//	syncLog := logger.Component("reconcile")
//	syncLog.Info("sync completed", "sync_id", id, "new", 3)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log the device comm key or the InfluxDB token.
package logging
