// Package config carries the typed environment contract described in
// spec.md §6: LDM port, log destination, queue path, and log level.
// Parsing flags/env into this struct and daemonizing the process are
// out-of-scope external collaborators (spec.md §1); this package owns
// only the resulting typed surface and its defaults.
package config

import (
	"github.com/ldm7/ldm7/internal/constants"
	"github.com/ldm7/ldm7/internal/logging"
)

// LogDestination selects where log output is written.
type LogDestination string

const (
	// LogDestinationStderr writes to the process's stderr.
	LogDestinationStderr LogDestination = "-"
	// LogDestinationSyslog defers to the host system log (empty value).
	LogDestinationSyslog LogDestination = ""
)

// Config is the typed environment contract a cmd/ entry point populates
// from flags and environment variables before constructing the session.
type Config struct {
	// LDMPort is the RPC port the upstream listens on / the downstream
	// dials. Defaults to 388.
	LDMPort int

	// LogDestination is a filesystem path, LogDestinationStderr, or
	// LogDestinationSyslog.
	LogDestination LogDestination

	// QueuePath is the product queue's backing file path.
	QueuePath string

	// LogLevel selects verbosity; see internal/logging.LogLevel.
	LogLevel logging.LogLevel
}

// Default returns a Config with the spec's documented defaults: LDM port
// 388, stderr logging, info level, and an empty queue path the caller
// must fill in.
func Default() Config {
	return Config{
		LDMPort:        constants.DefaultLDMPort,
		LogDestination: LogDestinationStderr,
		QueuePath:      "",
		LogLevel:       logging.LevelInfo,
	}
}

// LevelFromFlags maps the receiver test-harness CLI surface (-v info,
// -x debug) onto a logging.LogLevel, matching spec.md §6.
func LevelFromFlags(verbose, debug bool) logging.LogLevel {
	switch {
	case debug:
		return logging.LevelDebug
	case verbose:
		return logging.LevelInfo
	default:
		return logging.LevelNotice
	}
}
