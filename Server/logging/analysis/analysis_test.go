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


package analysis

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAllLogModelsAndSorting(t *testing.T) {
	l := parseLogsAndTestExpectations(logLinesWithExpectations(), t)

	var prevCount uint
	for i, m := range l.Messages() {
		if i > 0 && m.Count > prevCount {
			t.Errorf("Expected messages to be sorted in descending order")
		}
		prevCount = m.Count
	}

	if l.NumDistinctLogs() != 9 {
		t.Errorf("Expected 9 distinct logs but found %d", l.NumDistinctLogs())
	}
}

func TestMessageLogsWithError(t *testing.T) {
	logs := []LogLineWithExpectation{
		// The following messages should parse into 2 distinct log models
		messageLogExpectation(`{"msg":"a", "level":"info"}`),
		messageLogExpectation(`{"msg":"a", "level":"info"}`),
		messageLogExpectation(`{"msg":"a", "level":"info", "error": "b"}`),
		messageLogExpectation(`{"msg":"a", "level":"info", "error": "b", "trace": "x"}`),

		// The following messages should parse into 2 distinct log models
		messageLogExpectation(`{"msg":"c", "level":"info"}`),
		messageLogExpectation(`{"msg":"c", "level":"warning"}`),
	}

	l := parseLogsAndTestExpectations(logs, t)

	numLogModels := len(l.Messages())
	expectedUniqueModels := 4
	if numLogModels != expectedUniqueModels {
		t.Errorf("Expected %d message log models but found %d\n", expectedUniqueModels, numLogModels)
	}
}

func TestMessageLogsWithRedactedAddresses(t *testing.T) {
	logs := []LogLineWithExpectation{
		// The following messages should parse into 1 distinct log model
		messageLogExpectation(`{"msg":"a", "level":"warning", "error": "send to 1.1.1.1 failed"}`),
		messageLogExpectation(`{"msg":"a", "level":"warning", "error": "send to 3.3.3.3:1 failed"}`),
		messageLogExpectation(`{"msg":"a", "level":"warning", "error": "send to 192.168.0.1:65535 failed"}`),
		messageLogExpectation(`{"msg":"a", "level":"warning", "error": "send to [2001:db8::1]:443 failed"}`),
		messageLogExpectation(`{"msg":"a", "level":"warning", "error": "send to [::ffff:10.0.0.2]:53 failed"}`),
	}

	l := parseLogsAndTestExpectations(logs, t)

	messages := l.Messages()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message log model but found %d\n", len(messages))
	}
	if messages[0].Error != "send to <redacted> failed" {
		t.Errorf("Unexpected redacted error: %s", messages[0].Error)
	}
}

func TestSessionSummary(t *testing.T) {
	logs := []LogLineWithExpectation{
		metricsLogExpectation(`{"event_name":"packet_metrics","state":"DISCONNECTED","upstream_packets":3,"upstream_bytes":300,"downstream_packets":2,"downstream_bytes":200,"tun_write_errors":0,"send_errors":1,"ignored_datagrams":0}`),
		metricsLogExpectation(`{"event_name":"packet_metrics","state":"START","upstream_packets":0,"upstream_bytes":0,"downstream_packets":0,"downstream_bytes":0,"tun_write_errors":0,"send_errors":0,"ignored_datagrams":4}`),
		metricsLogExpectation(`{"event_name":"packet_metrics","state":"DISCONNECTED","upstream_packets":1,"upstream_bytes":40,"downstream_packets":1,"downstream_bytes":60,"tun_write_errors":2,"send_errors":0,"ignored_datagrams":0}`),
		metricsLogExpectation(`{"event_name":"server_load","session_count":2}`),
	}

	l := parseLogsAndTestExpectations(logs, t)

	s := l.Sessions
	if s.Sessions != 3 {
		t.Errorf("Expected 3 sessions but found %d", s.Sessions)
	}
	if s.States["DISCONNECTED"] != 2 || s.States["START"] != 1 {
		t.Errorf("Unexpected session states: %v", s.States)
	}
	if s.UpstreamPackets != 4 || s.UpstreamBytes != 340 ||
		s.DownstreamPackets != 3 || s.DownstreamBytes != 260 {
		t.Errorf("Unexpected packet totals: %+v", s)
	}
	if s.TunWriteErrors != 2 || s.SendErrors != 1 || s.IgnoredDatagrams != 4 {
		t.Errorf("Unexpected error totals: %+v", s)
	}

	metrics := l.Metrics()
	if len(metrics) != 2 || metrics[0].Event != "packet_metrics" || metrics[0].Count != 3 {
		t.Errorf("Unexpected metrics: %+v", metrics)
	}

	var buffer bytes.Buffer
	l.Print(&buffer, true, true, true, false)
	output := buffer.String()
	for _, expected := range []string{
		"EventName: packet_metrics\nCount: 3 of 4\n",
		"Sessions: 3 (DISCONNECTED=2 START=1)\n",
		"Upstream: 4 packets, 340 bytes\n",
	} {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected output to contain %q:\n%s", expected, output)
		}
	}
}

func TestParseFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "server.log")
	content := `{"msg":"startup","level":"info","trace":"server.RunServices"}

{"event_name":"server_load","msg":"server_load","level":"info"}
`
	err := os.WriteFile(filename, []byte(content), 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	l, err := NewLogStatsFromFiles([]string{filename})
	if err != nil {
		t.Fatalf("NewLogStatsFromFiles failed: %s", err)
	}
	if l.MessageCount != 1 || l.MetricsCount != 1 || l.UnknownCount != 0 {
		t.Errorf("Unexpected counts: %d %d %d", l.MessageCount, l.MetricsCount, l.UnknownCount)
	}

	err = os.WriteFile(filename, []byte("{\"msg\":\"a\",\"level\":\"info\"}\n{\n"), 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	_, err = NewLogStatsFromFiles([]string{filename})
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Expected line 2 error, got: %v", err)
	}

	_, err = NewLogStatsFromFiles([]string{filepath.Join(t.TempDir(), "missing.log")})
	if err == nil {
		t.Errorf("Expected missing file error")
	}
}

// Helpers

type LogLineWithExpectation struct {
	log     string
	expects parseLineExpectation
}

type parseLineExpectation struct {
	error   bool
	message bool
	metrics bool
	unknown bool
}

func parseLogsAndTestExpectations(expectations []LogLineWithExpectation, t *testing.T) (l *LogStats) {
	l = NewLogStats()

	for _, expectation := range expectations {
		messageCount, metricsCount, unknownCount := l.MessageCount, l.MetricsCount, l.UnknownCount

		err := l.ParseLogLine(expectation.log)

		// Check that the expectation is valid
		if !(expectation.expects.error || expectation.expects.message ||
			expectation.expects.metrics || expectation.expects.unknown) {
			t.Errorf("Malformed expectation expects nothing")
			t.FailNow()
		}

		// Check error expectation
		if err != nil && !expectation.expects.error {
			t.Errorf("Unexpected error: < %s >, from log line: \"%s\"\n", err, expectation.log)
		}
		if err == nil && expectation.expects.error {
			t.Errorf("Expected error from log line: \"%s\"\n", expectation.log)
		}

		// Check message expectation
		if expectation.expects.message && l.MessageCount != messageCount+1 {
			t.Errorf("Expected message log from: \"%s\"\n", expectation.log)
		}

		// Check metric expectation
		if expectation.expects.metrics && l.MetricsCount != metricsCount+1 {
			t.Errorf("Expected metric log model from: \"%s\"\n", expectation.log)
		}

		// Check unknown expectation
		if expectation.expects.unknown && l.UnknownCount != unknownCount+1 {
			t.Errorf("Expected unknown log model from: \"%s\"\n", expectation.log)
		}
	}

	return l
}

func logLinesWithExpectations() (l []LogLineWithExpectation) {
	l = []LogLineWithExpectation{

		// ************
		// Message logs
		// ************

		// Test collision of basic message logs
		messageLogExpectation(`{"msg":"a", "level":"info"}`),
		messageLogExpectation(`{"msg":"a", "level":"info"}`),

		// Different valid levels
		messageLogExpectation(`{"msg":"a", "level":"debug"}`),
		messageLogExpectation(`{"msg":"a", "level":"warning"}`),
		messageLogExpectation(`{"msg":"a", "level":"error"}`),

		// ************
		// Metrics logs
		// ************

		// Test collision of basic metrics logs
		metricsLogExpectation(`{"event_name":"a"}`),
		metricsLogExpectation(`{"event_name":"a", "msg":"a", "level":"info"}`),

		// ************
		// Unknown logs
		// ************

		unknownLogExpectation(`{}`),
		unknownLogExpectation(`{"a":"b"}`),

		// Test collision of unknown logs with depth
		unknownLogExpectation(`{"a":{"b":[{"c":{}}]}}`),
		unknownLogExpectation(`{"a":{"b":[{"c":{}}]}}`),

		// Message log line missing level field
		unknownLogExpectation(`{"msg":"b"}`),

		// **************
		// Malformed logs
		// **************

		malformedLogExpectation(`{`),
		malformedLogExpectation(`[]`),
		// Invalid message log levels
		malformedLogExpectation(`{"msg":"a", "level":"{"}`),
		malformedLogExpectation(`{"msg":"a", "level":"unknown"}`),
	}

	return l
}

func messageLogExpectation(log string) LogLineWithExpectation {
	return LogLineWithExpectation{
		log: log,
		expects: parseLineExpectation{
			message: true,
		},
	}
}

func metricsLogExpectation(log string) LogLineWithExpectation {
	return LogLineWithExpectation{
		log: log,
		expects: parseLineExpectation{
			metrics: true,
		},
	}
}

func unknownLogExpectation(log string) LogLineWithExpectation {
	return LogLineWithExpectation{
		log: log,
		expects: parseLineExpectation{
			unknown: true,
		},
	}
}

func malformedLogExpectation(log string) LogLineWithExpectation {
	return LogLineWithExpectation{
		log: log,
		expects: parseLineExpectation{
			error: true,
		},
	}
}
