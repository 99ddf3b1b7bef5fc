// Package logging builds the bridge's log/slog loggers.
//
// Every entry carries service and version. Output is JSON unless
// logging.format is "text", and logging.output picks stdout, stderr or
// discard. Components derive child loggers rather than building their own:
//
//	log := logging.New(cfg.Logging, version).Component("ebusd")
//	log.Info("circuit active", "circuit", "bai")
//
// Any attribute whose key mentions a password, secret, token or
// authorization is written as [redacted]. Only keys are inspected, so a
// credential formatted into the message text is not caught.
package logging
