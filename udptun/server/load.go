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

//go:build linux

package server

import (
	"os"
	"runtime"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// getLoadFields collects Go runtime, process, and host load values along
// with metrics from source.
func getLoadFields(source common.MetricsSource) common.LogFields {

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fields := common.LogFields{
		"num_goroutine": runtime.NumGoroutine(),
		"mem_stats": map[string]interface{}{
			"alloc":          memStats.Alloc,
			"total_alloc":    memStats.TotalAlloc,
			"sys":            memStats.Sys,
			"pause_total_ns": memStats.PauseTotalNs,
			"num_gc":         memStats.NumGC,
		},
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if memoryInfo, err := proc.MemoryInfo(); err == nil {
			fields["process_rss"] = memoryInfo.RSS
			fields["process_vms"] = memoryInfo.VMS
		}
		if cpuPercent, err := proc.CPUPercent(); err == nil {
			fields["process_cpu_percent"] = cpuPercent
		}
		if numThreads, err := proc.NumThreads(); err == nil {
			fields["process_num_threads"] = numThreads
		}
		if numFDs, err := proc.NumFDs(); err == nil {
			fields["process_num_fds"] = numFDs
		}
	}

	if average, err := load.Avg(); err == nil {
		fields["load_1"] = average.Load1
		fields["load_5"] = average.Load5
		fields["load_15"] = average.Load15
	}

	if source != nil {
		fields.Add(source.GetMetrics())
	}

	return fields
}

func logServerLoad(server *Server) {
	log.LogMetric("server_load", getLoadFields(server))
}
