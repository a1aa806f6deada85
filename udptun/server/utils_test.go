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
	"fmt"
	"net/netip"
	"sync"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
)

type testLogger struct {
	mutex   sync.Mutex
	entries []string
	fields  []common.LogFields
	metrics []testMetric
}

type testMetric struct {
	name   string
	fields common.LogFields
}

type testLoggerTrace struct {
	logger *testLogger
	trace  string
	fields common.LogFields
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (logger *testLogger) WithTrace() common.LogTrace {
	return &testLoggerTrace{logger: logger, trace: errors.CallerName(1)}
}

func (logger *testLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return &testLoggerTrace{logger: logger, trace: errors.CallerName(1), fields: fields}
}

func (logger *testLogger) LogMetric(metric string, fields common.LogFields) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.metrics = append(logger.metrics, testMetric{name: metric, fields: fields})
}

func (logger *testLogger) getMetrics(name string) []common.LogFields {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var result []common.LogFields
	for _, metric := range logger.metrics {
		if metric.name == name {
			result = append(result, metric.fields)
		}
	}
	return result
}

func (logger *testLogger) hasEntry(message string) bool {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	for _, entry := range logger.entries {
		if entry == message {
			return true
		}
	}
	return false
}

// entryFields returns the fields of the first entry logged with message.
func (logger *testLogger) entryFields(message string) (common.LogFields, bool) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	for i, entry := range logger.entries {
		if entry == message {
			return logger.fields[i], true
		}
	}
	return nil, false
}

func (trace *testLoggerTrace) log(args ...interface{}) {
	trace.logger.mutex.Lock()
	defer trace.logger.mutex.Unlock()
	trace.logger.entries = append(trace.logger.entries, fmt.Sprint(args...))
	trace.logger.fields = append(trace.logger.fields, trace.fields)
}

func (trace *testLoggerTrace) Debug(args ...interface{})   { trace.log(args...) }
func (trace *testLoggerTrace) Info(args ...interface{})    { trace.log(args...) }
func (trace *testLoggerTrace) Warning(args ...interface{}) { trace.log(args...) }
func (trace *testLoggerTrace) Error(args ...interface{})   { trace.log(args...) }

type sentDatagram struct {
	payload     []byte
	destination netip.AddrPort
}

type fakeSender struct {
	sent []sentDatagram
	fail bool
}

func (sender *fakeSender) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	if sender.fail {
		return 0, errors.TraceNew("send failed")
	}
	sender.sent = append(sender.sent, sentDatagram{
		payload:     append([]byte(nil), p...),
		destination: addr,
	})
	return len(p), nil
}

type fakeDevice struct {
	written [][]byte
	fail    bool
}

func (device *fakeDevice) WritePacket(packet []byte) error {
	if device.fail {
		return errors.TraceNew("write failed")
	}
	device.written = append(device.written, append([]byte(nil), packet...))
	return nil
}

type archivedPacket struct {
	address netip.Addr
	packet  []byte
}

type fakeArchiver struct {
	packets      []archivedPacket
	disconnected []netip.Addr
}

func (archiver *fakeArchiver) ArchivePacket(address netip.Addr, packet []byte) {
	archiver.packets = append(archiver.packets, archivedPacket{
		address: address,
		packet:  append([]byte(nil), packet...),
	})
}

func (archiver *fakeArchiver) ClientDisconnected(address netip.Addr) {
	archiver.disconnected = append(archiver.disconnected, address)
}
