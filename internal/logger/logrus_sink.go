// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// standardSink is the default LogSink. It writes structured entries through a
// logrus logger so users who do not supply a sink still get leveled,
// timestamped output.
type standardSink struct {
	log *logrus.Logger
}

// NewStandardSink returns a LogSink that writes to the given writer using
// logrus with a plain-text formatter.
func NewStandardSink(out io.Writer) LogSink {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	return &standardSink{log: log}
}

func (s *standardSink) Info(level int, msg string, keysAndValues ...interface{}) {
	entry := s.log.WithFields(fieldsFromKV(keysAndValues))
	if level >= int(LevelDebug)-DiffToInfo {
		entry.Debug(msg)
		return
	}

	entry.Info(msg)
}

func (s *standardSink) Error(err error, msg string, keysAndValues ...interface{}) {
	s.log.WithFields(fieldsFromKV(keysAndValues)).WithError(err).Error(msg)
}

// fieldsFromKV converts a flat key/value list into logrus fields. A trailing
// key with no value is dropped.
func fieldsFromKV(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}

	return fields
}
