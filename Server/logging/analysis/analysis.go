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


// Package analysis implements frequency analysis of tunnel server logs. Log
// lines are parsed into 3 distinct log types: message, metrics and unknown.
// Under these log types the number of logs of each unique identifier is
// counted. The unique identifiers are as follows:
// message: "msg", "level" and "error" fields, with addresses redacted
// metrics: "event_name" field
// unknown: key graph
//
// Session "packet_metrics" events are also summed into a SessionSummary.
package analysis

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/sirupsen/logrus"
)

const PACKET_METRICS_EVENT_NAME = "packet_metrics"

// MessageKey identifies a distinct message log.
type MessageKey struct {
	Msg   string
	Level logrus.Level
	Error string
}

type MessageStats struct {
	MessageKey
	Count   uint
	Example string
}

type MetricStats struct {
	Event   string
	Count   uint
	Example string
}

type UnknownStats struct {
	Structure string
	Count     uint
	Example   string
}

// SessionSummary totals the packet metrics logged as each client session
// ends.
type SessionSummary struct {
	Sessions          uint
	States            map[string]uint
	UpstreamPackets   int64
	UpstreamBytes     int64
	DownstreamPackets int64
	DownstreamBytes   int64
	TunWriteErrors    int64
	SendErrors        int64
	IgnoredDatagrams  int64
}

// LogStats accumulates the stats of one or more log files.
type LogStats struct {
	MessageCount uint
	MetricsCount uint
	UnknownCount uint
	Sessions     SessionSummary

	messages map[MessageKey]*MessageStats
	metrics  map[string]*MetricStats
	unknown  map[string]*UnknownStats
}

// NewLogStats initializes a new LogStats structure.
func NewLogStats() *LogStats {
	return &LogStats{
		Sessions: SessionSummary{States: make(map[string]uint)},
		messages: make(map[MessageKey]*MessageStats),
		metrics:  make(map[string]*MetricStats),
		unknown:  make(map[string]*UnknownStats),
	}
}

func NewLogStatsFromFiles(files []string) (*LogStats, error) {
	l := NewLogStats()
	for _, file := range files {
		err := l.ParseFile(file)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return l, nil
}

// ParseFile parses each line of a server log file and updates the stats.
func (l *LogStats) ParseFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Trace(err)
	}
	defer file.Close()

	return errors.Trace(l.Parse(file))
}

func (l *LogStats) Parse(reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		err := l.ParseLogLine(line)
		if err != nil {
			return errors.Tracef("line %d: %v", lineNumber, err)
		}
	}
	return errors.Trace(scanner.Err())
}

// ParseLogLine parses a single JSON log line and updates the stats. Lines
// that are not JSON objects, and message logs with an invalid level, are
// rejected.
func (l *LogStats) ParseLogLine(line string) error {

	var fields map[string]interface{}
	err := json.Unmarshal([]byte(line), &fields)
	if err != nil {
		return errors.Tracef("failed to parse log line into JSON: %v", err)
	}
	if fields == nil {
		return errors.TraceNew("log line is not a JSON object")
	}

	if event, ok := fields["event_name"].(string); ok {
		l.MetricsCount++
		stats, ok := l.metrics[event]
		if !ok {
			stats = &MetricStats{Event: event, Example: line}
			l.metrics[event] = stats
		}
		stats.Count++
		if event == PACKET_METRICS_EVENT_NAME {
			l.Sessions.add(fields)
		}
		return nil
	}

	msg, hasMsg := fields["msg"].(string)
	levelName, hasLevel := fields["level"].(string)
	if hasMsg && hasLevel {
		level, err := logrus.ParseLevel(levelName)
		if err != nil {
			return errors.Trace(err)
		}
		key := MessageKey{Msg: msg, Level: level}
		if errorValue, ok := fields["error"]; ok {
			key.Error = redactAddresses(fmt.Sprint(errorValue))
		}
		l.MessageCount++
		stats, ok := l.messages[key]
		if !ok {
			stats = &MessageStats{MessageKey: key, Example: line}
			l.messages[key] = stats
		}
		stats.Count++
		return nil
	}

	structure := keyGraph(fields)
	l.UnknownCount++
	stats, ok := l.unknown[structure]
	if !ok {
		stats = &UnknownStats{Structure: structure, Example: line}
		l.unknown[structure] = stats
	}
	stats.Count++
	return nil
}

func (s *SessionSummary) add(fields map[string]interface{}) {
	s.Sessions++
	if state, ok := fields["state"].(string); ok {
		s.States[state]++
	}
	s.UpstreamPackets += int64Field(fields, "upstream_packets")
	s.UpstreamBytes += int64Field(fields, "upstream_bytes")
	s.DownstreamPackets += int64Field(fields, "downstream_packets")
	s.DownstreamBytes += int64Field(fields, "downstream_bytes")
	s.TunWriteErrors += int64Field(fields, "tun_write_errors")
	s.SendErrors += int64Field(fields, "send_errors")
	s.IgnoredDatagrams += int64Field(fields, "ignored_datagrams")
}

func int64Field(fields map[string]interface{}, name string) int64 {
	value, _ := fields[name].(float64)
	return int64(value)
}

var (
	ipv4AddressWithOptionalPort = regexp.MustCompile(
		`(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)(\.(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)){3}(:[0-9]{1,5})?`)
	bracketedIPv6AddressWithOptionalPort = regexp.MustCompile(
		`\[[0-9a-fA-F:.]*:[0-9a-fA-F:.]*\](:[0-9]{1,5})?`)
)

func redactAddresses(s string) string {
	s = bracketedIPv6AddressWithOptionalPort.ReplaceAllString(s, "<redacted>")
	return ipv4AddressWithOptionalPort.ReplaceAllString(s, "<redacted>")
}

// keyGraph returns a canonical representation of the structure of a JSON
// value: object keys, sorted, with the structure of nested objects and
// arrays. Scalar values are omitted.
func keyGraph(value interface{}) string {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var builder strings.Builder
		builder.WriteString("{")
		for i, key := range keys {
			if i > 0 {
				builder.WriteString(",")
			}
			builder.WriteString(fmt.Sprintf("%q", key))
			if nested := keyGraph(v[key]); nested != "" {
				builder.WriteString(":")
				builder.WriteString(nested)
			}
		}
		builder.WriteString("}")
		return builder.String()
	case []interface{}:
		var elements []string
		for _, element := range v {
			if nested := keyGraph(element); nested != "" {
				elements = append(elements, nested)
			}
		}
		return "[" + strings.Join(elements, ",") + "]"
	default:
		return ""
	}
}

// NumDistinctLogs returns the number of unique log models.
func (l *LogStats) NumDistinctLogs() uint {
	return uint(len(l.messages) + len(l.metrics) + len(l.unknown))
}

// Messages returns the message stats in descending order of count.
func (l *LogStats) Messages() []MessageStats {
	s := make([]MessageStats, 0, len(l.messages))
	for _, v := range l.messages {
		s = append(s, *v)
	}
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].Msg < s[j].Msg
	})
	return s
}

// Metrics returns the metric stats in descending order of count.
func (l *LogStats) Metrics() []MetricStats {
	s := make([]MetricStats, 0, len(l.metrics))
	for _, v := range l.metrics {
		s = append(s, *v)
	}
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].Event < s[j].Event
	})
	return s
}

// Unknown returns the unknown log stats in descending order of count.
func (l *LogStats) Unknown() []UnknownStats {
	s := make([]UnknownStats, 0, len(l.unknown))
	for _, v := range l.unknown {
		s = append(s, *v)
	}
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].Structure < s[j].Structure
	})
	return s
}

func safeDivide(a, b float64) float64 {
	if b != 0 {
		return a / b
	}
	return 0
}

// Print writes the selected stats, each log type in descending order of
// count, followed by the session summary.
func (l *LogStats) Print(w io.Writer, messages, metrics, unknown, printExample bool) {

	total := l.MessageCount + l.MetricsCount + l.UnknownCount

	printCount := func(count uint, example string) {
		if printExample {
			fmt.Fprintf(w, "Example: %s\n", example)
		}
		fmt.Fprintf(w, "Count: %d of %d\n", count, total)
		fmt.Fprintf(w, "Percent: %0.2f\n\n", safeDivide(float64(count), float64(total)))
	}

	if messages {
		for _, m := range l.Messages() {
			fmt.Fprintf(w, "MessageLog\nMsg: %s\nLevel: %s\n", m.Msg, m.Level)
			if m.Error != "" {
				fmt.Fprintf(w, "Error: %s\n", m.Error)
			}
			printCount(m.Count, m.Example)
		}
	}

	if metrics {
		for _, m := range l.Metrics() {
			fmt.Fprintf(w, "MetricsLog\nEventName: %s\n", m.Event)
			printCount(m.Count, m.Example)
		}
	}

	if unknown {
		for _, u := range l.Unknown() {
			fmt.Fprintf(w, "UnknownLog\nStructure: %s\n", u.Structure)
			printCount(u.Count, u.Example)
		}
	}

	s := &l.Sessions
	if s.Sessions > 0 {
		states := make([]string, 0, len(s.States))
		for state, count := range s.States {
			states = append(states, fmt.Sprintf("%s=%d", state, count))
		}
		sort.Strings(states)
		fmt.Fprintf(w, "Sessions: %d (%s)\n", s.Sessions, strings.Join(states, " "))
		fmt.Fprintf(w, "Upstream: %d packets, %d bytes\n", s.UpstreamPackets, s.UpstreamBytes)
		fmt.Fprintf(w, "Downstream: %d packets, %d bytes\n", s.DownstreamPackets, s.DownstreamBytes)
		fmt.Fprintf(w, "Errors: %d tun write, %d send; %d ignored datagrams\n\n",
			s.TunWriteErrors, s.SendErrors, s.IgnoredDatagrams)
	}
}
