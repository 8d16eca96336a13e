// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "strings"

// DiffToInfo is the number of levels in the Level enumeration between the
// lowest level and the first user-facing level, "info". The sink interface
// speaks in zero-based verbosity, so Print subtracts this constant before
// forwarding a level to the sink.
const DiffToInfo = 1

// Level is an enumeration representing the log severity levels available to
// the driver. The order of the logging levels is important. The driver
// expects that a user will likely use the logr package to create a
// LogSink, which defaults InfoLevel as 0. Any additions to the Level
// enumeration beyond the InfoLevel will logically correlate to a higher
// verbosity.
type Level int

const (
	// LevelOff suppresses logging.
	LevelOff Level = iota

	// LevelInfo enables logging of informational messages. These logs are
	// high-level information about normal driver behavior.
	LevelInfo

	// LevelDebug enables logging of debug messages. These logs can be
	// voluminous and contain information about fine-grained driver behavior.
	LevelDebug
)

// String returns the string representation of the log level.
func (level Level) String() string {
	switch level {
	case LevelOff:
		return "off"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel will check if the given string is a valid environment variable
// for a logging severity level. If it is, then it will return the associated
// driver's Level. The default Level is "LevelOff".
func ParseLevel(str string) Level {
	switch strings.ToLower(str) {
	case "info", "notice", "warn", "warning", "error":
		return LevelInfo
	case "debug", "trace":
		return LevelDebug
	default:
		return LevelOff
	}
}
