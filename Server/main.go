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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/server"
)

func main() {

	var configFilename string
	var tunDeviceName string
	var listenPort int
	var privateNetwork string
	var publicNetworkInterface string
	var secret string
	var route string
	var MTU int
	var DNSServer string
	var archiveDirectory string
	var logFilename string
	var loadMonitorPeriodSeconds int
	var verbose bool

	flag.StringVar(&configFilename, "config", "", "JSON config file; flags override its values")
	flag.StringVar(&tunDeviceName, "tun", "", "tun device name (default \"tun0\")")
	flag.IntVar(&listenPort, "port", 0, "UDP listen port")
	flag.StringVar(&privateNetwork, "privateNetwork", "", "client address network (default \"10.0.0.0/24\")")
	flag.StringVar(&publicNetworkInterface, "publicInterface", "", "egress network interface")
	flag.StringVar(&secret, "secret", "", "shared secret")
	flag.StringVar(&route, "route", "", "route sent to clients (default \"0.0.0.0/0\")")
	flag.IntVar(&MTU, "mtu", 0, "tun MTU (default 1400)")
	flag.StringVar(&DNSServer, "dns", "", "DNS server sent to clients")
	flag.StringVar(&archiveDirectory, "archiveDirectory", "", "directory for per-client packet captures")
	flag.StringVar(&logFilename, "logFilename", "", "log file; stderr when blank")
	flag.IntVar(&loadMonitorPeriodSeconds, "loadMonitorPeriod", 0, "seconds between server load logs")
	flag.BoolVar(&verbose, "verbose", false, "log at debug level")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s <flags>\n\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	config := &server.Config{}

	if configFilename != "" {
		configJSON, err := os.ReadFile(configFilename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading configuration file: %s\n", err)
			os.Exit(1)
		}
		// Validated by RunServices, after flag overrides are applied.
		config, err = server.DecodeConfig(configJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error parsing configuration file: %s\n", err)
			os.Exit(1)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tun":
			config.TunDeviceName = tunDeviceName
		case "port":
			config.ListenPort = listenPort
		case "privateNetwork":
			config.PrivateNetwork = privateNetwork
		case "publicInterface":
			config.PublicNetworkInterface = publicNetworkInterface
		case "secret":
			config.Secret = secret
		case "route":
			config.Route = route
		case "mtu":
			config.MTU = MTU
		case "dns":
			config.DNSServer = DNSServer
		case "archiveDirectory":
			config.ArchiveDirectory = archiveDirectory
		case "logFilename":
			config.LogFilename = logFilename
		case "loadMonitorPeriod":
			config.LoadMonitorPeriodSeconds = loadMonitorPeriodSeconds
		case "verbose":
			if verbose {
				config.LogLevel = "debug"
			}
		}
	})

	err := server.RunServices(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %s\n", err)
		os.Exit(1)
	}
}
