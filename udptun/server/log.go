/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/sirupsen/logrus"
)

// TraceLogger adds single frame stack trace information to the underlying
// logging facilities. TraceLogger implements common.Logger.
type TraceLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has no
// fields.
func (logger *TraceLogger) WithTrace() common.LogTrace {
	return logger.Logger.WithField("trace", errors.CallerName(1))
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Any existing "trace" field is renamed to "fields.trace".
func (logger *TraceLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	entryFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		entryFields[name] = value
	}
	if trace, ok := entryFields["trace"]; ok {
		entryFields["fields.trace"] = trace
	}
	entryFields["trace"] = errors.CallerName(1)
	return logger.Logger.WithFields(entryFields)
}

// LogMetric logs a metric event. The metric name is recorded in the
// "event_name" field.
func (logger *TraceLogger) LogMetric(metric string, fields common.LogFields) {
	entryFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		entryFields[name] = value
	}
	if eventName, ok := entryFields["event_name"]; ok {
		entryFields["fields.event_name"] = eventName
	}
	entryFields["event_name"] = metric
	logger.Logger.WithFields(entryFields).Info(metric)
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
//
// The changes are:
// - "time" is renamed to "timestamp"
// - error values are logged by their message
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {

	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by encoding/json.
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)
	data["msg"] = entry.Message
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON: %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *TraceLogger

// InitLogging configures the package logger according to the specified
// config params. If not called, the default logger set by the package
// init() is used. Should only be called from the main goroutine.
func InitLogging(config *Config) error {

	logLevel := config.LogLevel
	if logLevel == "" {
		logLevel = DEFAULT_LOG_LEVEL
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {
		logWriter, err = rotate.NewRotatableFileWriter(config.LogFilename, 2, true, 0666)
		if err != nil {
			return errors.Trace(err)
		}
	}

	log = newTraceLogger(logWriter, level)

	return nil
}

func newTraceLogger(writer io.Writer, level logrus.Level) *TraceLogger {
	return &TraceLogger{
		&logrus.Logger{
			Out:       writer,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	go_log.SetOutput(io.Discard)

	log = newTraceLogger(os.Stderr, logrus.DebugLevel)
}
