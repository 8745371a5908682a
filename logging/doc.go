// Package logging provides a minimal logging interface and adapters for mailagent.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the poller, workflow engine and dispatcher use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - Init for one-time process-wide configuration at startup
//
// Usage:
//
//	logger := logging.Init(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "text"})
//	agent := mailagent.New(mailbox, mailer, interpreter, executor, func(o *mailagent.Options) { o.Logger = logger })
package logging
