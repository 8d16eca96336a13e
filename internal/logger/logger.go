// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the internal logging solution.
package logger

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultMaxDocumentLength is the default maximum number of bytes that can be
// logged for a stringified BSON document.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix are trailing ellipsis "..." appended to a message to
// indicate to the user that truncation occurred. This constant does not count
// toward the max document length.
const TruncationSuffix = "..."

const logSinkPathEnvVar = "DOCDB_LOG_PATH"
const maxDocumentLengthEnvVar = "DOCDB_LOG_MAX_DOCUMENT_LENGTH"

// LogSink represents a logging implementation. It is the interface that must
// be implemented to provide a custom sink for the driver's logs.
type LogSink interface {
	// Info logs a non-error message with the given key/value pairs. The
	// level argument is provided for optional logging.
	Info(level int, msg string, keysAndValues ...interface{})

	// Error logs an error, with the given message and key/value pairs.
	Error(err error, msg string, keysAndValues ...interface{})
}

// Logger represents the configuration for the internal logger.
type Logger struct {
	ComponentLevels   map[Component]Level // Log levels for each component.
	Sink              LogSink             // LogSink for log printing.
	MaxDocumentLength uint                // Command truncation width.
}

// New will construct a new logger. If any of the given options are the
// zero-value of the argument type, then the constructor will attempt to
// source the data from the environment. If the environment has not been set,
// then the constructor will use defaults: a logrus-backed sink writing to
// stderr and a maximum document length of 1000 bytes.
func New(sink LogSink, maxDocLen uint, componentLevels map[Component]Level) (*Logger, error) {
	logger := &Logger{
		ComponentLevels: selectComponentLevels(componentLevels),
	}

	maxDocLen, err := selectMaxDocumentLength(maxDocLen)
	if err != nil {
		return nil, err
	}
	logger.MaxDocumentLength = maxDocLen

	sink, err = selectLogSink(sink)
	if err != nil {
		return nil, err
	}
	logger.Sink = sink

	return logger, nil
}

// LevelComponentEnabled will return true if the given LogLevel is enabled for
// the given LogComponent. If the ComponentLevels on the logger are enabled
// for "ComponentAll", then this function will return true for any level bound
// by the level assigned to "ComponentAll".
//
// If the level is not enabled (i.e. LevelOff), then false is returned. This
// is to avoid false positives, such as returning "true" for a component that
// is not enabled. For example, without this condition, an empty LevelComponent
// would be considered "enabled" for "LevelOff".
func (logger *Logger) LevelComponentEnabled(level Level, component Component) bool {
	if level == LevelOff {
		return false
	}

	if logger.ComponentLevels == nil {
		return false
	}

	return logger.ComponentLevels[component] >= level ||
		logger.ComponentLevels[ComponentAll] >= level
}

// Print will synchronously print the given message to the configured LogSink.
// If the LogSink is nil, then this method will do nothing. Future work could
// be done to make this method asynchronous.
func (logger *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	// If the level is not enabled for the component, then skip the message.
	if !logger.LevelComponentEnabled(level, component) {
		return
	}

	// If the sink is nil, then skip the message.
	if logger.Sink == nil {
		return
	}

	logger.Sink.Info(int(level)-DiffToInfo, msg, keysAndValues...)
}

// Error logs an error, with the given message and key/value pairs.
func (logger *Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	if logger.Sink == nil {
		return
	}

	logger.Sink.Error(err, msg, keysAndValues...)
}

// selectMaxDocumentLength will return the integer value of the first non-zero
// function, with the user-defined function taking precedence over the
// environment variables.
func selectMaxDocumentLength(maxDocLen uint) (uint, error) {
	if maxDocLen != 0 {
		return maxDocLen, nil
	}

	maxDocLenEnv := os.Getenv(maxDocumentLengthEnvVar)
	if maxDocLenEnv != "" {
		maxDocLenEnvInt, err := strconv.ParseUint(maxDocLenEnv, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %q: %w", maxDocumentLengthEnvVar, err)
		}

		return uint(maxDocLenEnvInt), nil
	}

	return DefaultMaxDocumentLength, nil
}

const (
	logSinkPathStderr = "stderr"
	logSinkPathStdout = "stdout"
)

// selectLogSink will return the first non-nil LogSink, with the user-defined
// LogSink taking precedence over the environment-defined LogSink.
func selectLogSink(sink LogSink) (LogSink, error) {
	if sink != nil {
		return sink, nil
	}

	path := os.Getenv(logSinkPathEnvVar)
	lowerPath := strings.ToLower(path)

	if lowerPath == string(logSinkPathStderr) || path == "" {
		return NewStandardSink(os.Stderr), nil
	}

	if lowerPath == string(logSinkPathStdout) {
		return NewStandardSink(os.Stdout), nil
	}

	logFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("unable to open log path for writing: %w", err)
	}

	return NewStandardSink(logFile), nil
}

// selectComponentLevels returns a new map of LogComponents to LogLevels that
// is the result of merging the user-defined data with the environment, with
// the user-defined data taking precedence.
func selectComponentLevels(componentLevels map[Component]Level) map[Component]Level {
	selected := make(map[Component]Level)

	// Determine if the "DOCDB_LOG_ALL" environment variable is set.
	var globalEnvLevel *Level
	if all := os.Getenv(logAllEnvVar); all != "" {
		level := ParseLevel(all)
		globalEnvLevel = &level
	}

	for envVar, component := range componentEnvVarMap {
		// If the component already has a level, then skip it.
		if _, ok := componentLevels[component]; ok {
			continue
		}

		// If the "DOCDB_LOG_ALL" environment variable is set, then
		// set the level for the component to the value of the environment
		// variable.
		if globalEnvLevel != nil {
			selected[component] = *globalEnvLevel

			continue
		}

		// Otherwise, set the level for the component to the value of the
		// environment variable.
		selected[component] = ParseLevel(os.Getenv(envVar))
	}

	// Merge the user-defined levels with the environment-defined levels.
	for component, level := range componentLevels {
		selected[component] = level
	}

	return selected
}

// truncate will truncate a string to the given width, appending the
// truncation suffix if truncation occurred. A width of 0 disables truncation.
func truncate(str string, width uint) string {
	if width == 0 {
		return str
	}

	if len(str) <= int(width) {
		return str
	}

	// Cut at the byte width first, then repair any UTF-8 rune the cut split.
	newStr := str[:width]

	// A leading byte of a multi-byte rune at the end means the rune was cut
	// off entirely; drop the byte.
	if newStr[len(newStr)-1]&0xC0 == 0xC0 {
		return newStr[:len(newStr)-1] + TruncationSuffix
	}

	// Check if the last byte is in the middle of a multi-byte character. If
	// it is, then step back until we find the beginning of the character.
	if newStr[len(newStr)-1]&0xC0 == 0x80 {
		for i := len(newStr) - 1; i >= 0; i-- {
			if newStr[i]&0xC0 == 0xC0 {
				return newStr[:i] + TruncationSuffix
			}
		}
	}

	return newStr + TruncationSuffix
}

// FormatMessage formats a BSON document or other string for logging,
// truncating it to the given width.
func FormatMessage(msg string, width uint) string {
	if len(msg) == 0 {
		msg = "{}"
	}

	return truncate(msg, width)
}
