// Package logging provides a structured logging system for the framework that
// supports both direct CLI output and channel-based sinks with unified log
// handling and flexible output formatting.
//
// This package implements a dual-mode logging architecture that can operate in
// either CLI mode (direct output) or sink mode (channel-based message
// passing), enabling the same call sites to feed either a terminal or the
// event system's log-to-event bridge.
//
// # Architecture
//
// The logging system is built around these core concepts:
//
// ## Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about framework operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// ## Execution Modes
//   - **CLI Mode**: Direct logging to specified output writer (stdout/stderr)
//   - **Sink Mode**: Logging via buffered channel, consumed by the log-to-event
//     bridge that turns entries into log/* topic events
//
// ## Structured Logging
// All log entries include:
//   - Timestamp with nanosecond precision
//   - Log level (Debug, Info, Warn, Error)
//   - Subsystem identifier for categorization
//   - Message content with optional formatting
//   - Optional error information
//   - Structured attributes using slog.Attr
//
// # Dual-Mode Operation
//
// ## CLI Mode
// When initialized for CLI mode:
//   - Logs are written directly to the specified output writer
//   - Uses structured text format via slog.TextHandler
//   - Respects configured log level filtering
//   - Suitable for the run and shell commands
//
// ## Sink Mode
// When initialized for sink mode:
//   - Logs are sent to a buffered channel for the log-to-event bridge
//   - The bridge reads from the channel and posts log/<level>
//     events through the event admin
//   - The configured level is not applied; entries of every level are sent
//   - Fallback to stderr if the channel is full or unavailable
//
// # Usage Examples
//
// ## CLI Mode Initialization
//
//	import "module/pkg/logging"
//
//	// Initialize for CLI with Info level logging to stdout
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//
//	// Log messages
//	logging.Info("Framework", "starting up")
//	logging.Debug("Manifest", "loaded bundle from %s", location)
//	logging.Warn("DCR", "reference unsatisfied for %s", componentName)
//	logging.Error("Loader", err, "failed to open shared library")
//
// ## Sink Mode Initialization
//
//	import "module/pkg/logging"
//
//	// Initialize for sink mode with Debug level
//	logChannel := logging.Initcommon("sink", logging.LevelDebug, nil, 0)
//
//	// Start a goroutine to bridge log entries to framework events
//	go event.BridgeLog(ctx, logChannel, admin)
//
// # Subsystem Organization
//
// Logs are organized by subsystem to enable filtering and categorization:
//
//   - **Framework**: bootstrap and shutdown sequencing
//   - **Loader**: shared-library loading
//   - **Manifest**: bundle archive and manifest parsing
//   - **Bundle**: bundle lifecycle transitions
//   - **Registry**: service registration and lookup
//   - **DCR**: declarative component activation/deactivation
//   - **Event**: event admin dispatch
//   - **ConfigAdmin**: configuration push and merge
//   - **Shell**: interactive admin shell
//
// # Thread Safety
//
// Concurrent logging from multiple goroutines is safe, and channel sends in
// sink mode never block. Initcommon and InitForCLI replace the package-level
// logger state without locking, so they are called once at startup, before
// other goroutines log.
package logging
