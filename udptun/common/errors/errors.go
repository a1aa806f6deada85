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

/*

Package errors provides error wrapping helpers that prefix error messages with
the caller's function name and source line, keeping %w chains intact for
errors.Is and errors.As.

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"
	"strings"
)

// New is the standard library errors.New, for declaring sentinel values.
func New(message string) error {
	return std_errors.New(message)
}

// Is is the standard library errors.Is.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

// As is the standard library errors.As.
func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	return wrap(2, std_errors.New(message), "")
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	return wrap(2, fmt.Errorf(format, args...), "")
}

// Trace wraps the given error with the caller stack frame information.
// Trace(nil) is nil.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return wrap(2, err, "")
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return wrap(2, err, message)
}

func wrap(skip int, err error, message string) error {
	pc, _, line, _ := runtime.Caller(skip)
	if message != "" {
		return fmt.Errorf("%s#%d: %s: %w", FunctionName(pc), line, message, err)
	}
	return fmt.Errorf("%s#%d: %w", FunctionName(pc), line, err)
}

// FunctionName extracts a short "package.Function" name from the full
// symbol name of pc, dropping the import path.
func FunctionName(pc uintptr) string {
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	if index := strings.LastIndex(name, "/"); index != -1 {
		name = name[index+1:]
	}
	return name
}

// CallerName returns the function name and line of the caller's caller,
// formatted as "package.Function#line". Used to tag log entries.
func CallerName(skip int) string {
	pc, _, line, _ := runtime.Caller(skip + 1)
	return fmt.Sprintf("%s#%d", FunctionName(pc), line)
}
