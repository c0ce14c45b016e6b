// Package logger provides the structured logging interface used across k2dl.
//
// It wraps zerolog with a small Logger interface so components can be handed
// a logger at construction time and tests can swap in TestLogger or
// NewNopLogger. Console output is colourised when stderr is a terminal and
// falls back to JSON lines otherwise; a log file can be added through
// LoggingConfig.File.
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.GetLogger().WithField("component", "downloader")
//	log.InfoWithFields("Download completed", map[string]interface{}{
//	    "file": "cover.jpg",
//	    "bytes": 1024000,
//	})
package logger
