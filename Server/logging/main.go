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


package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Psiphon-Labs/udp-tunnel-core/Server/logging/analysis"
)

type logFilesFlag []string

func (files *logFilesFlag) String() string {
	return strings.Join(*files, ", ")
}

func (files *logFilesFlag) Set(filename string) error {
	*files = append(*files, filename)
	return nil
}

func main() {

	var logFiles logFilesFlag
	var showMessages bool
	var showMetrics bool
	var showUnknown bool
	var showExamples bool

	flag.Var(
		&logFiles,
		"file",
		"JSON server log to analyze, as written with LogFilename; repeat for rotated logs; \"-\" reads stdin")

	flag.BoolVar(
		&showMessages,
		"messages",
		false,
		"list distinct log messages, by msg, level and error with client addresses redacted")

	flag.BoolVar(
		&showMetrics,
		"metrics",
		false,
		"list metric events by event_name, such as packet_metrics and server_load")

	flag.BoolVar(
		&showUnknown,
		"unknown",
		false,
		"list lines that are neither messages nor metrics, by key structure")

	flag.BoolVar(
		&showExamples,
		"example",
		false,
		"print the first line seen for each listed entry")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"Usage: %s -file <log> [-file <log> ...] [flags]\n\n"+
				"Summarizes tunnel server logs. Totals of the packet_metrics events logged\n"+
				"as each client session ends are always printed.\n\n",
			os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if len(logFiles) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	stats := analysis.NewLogStats()
	for _, filename := range logFiles {
		var err error
		if filename == "-" {
			err = stats.Parse(os.Stdin)
		} else {
			err = stats.ParseFile(filename)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", filename, err)
			os.Exit(1)
		}
	}

	stats.Print(os.Stdout, showMessages, showMetrics, showUnknown, showExamples)

	fmt.Printf("%d messages, %d metrics, %d unknown; %d distinct\n",
		stats.MessageCount,
		stats.MetricsCount,
		stats.UnknownCount,
		stats.NumDistinctLogs())
}
