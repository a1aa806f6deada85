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
	"net"
	"net/netip"
	"os"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
)

const (
	DEFAULT_LOG_LEVEL          = "info"
	DEFAULT_TUN_DEVICE_NAME    = "tun0"
	DEFAULT_PRIVATE_NETWORK    = "10.0.0.0/24"
	DEFAULT_ROUTE              = "0.0.0.0/0"
	DEFAULT_MTU                = 1400
	MIN_MTU                    = 1000
	MAX_MTU                    = 1500
	MAX_PRIVATE_NETWORK_PREFIX = 29
)

// Config specifies the configuration and behavior of a tunnel server.
// A Config is immutable once validated.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log
	// to. When blank, logs are written to stderr. The file
	// may be rotated externally.
	LogFilename string

	// TunDeviceName is the name of the tun interface the
	// server creates. The default is "tun0".
	TunDeviceName string

	// ListenPort is the UDP port on which the server accepts
	// client datagrams, over both IPv4 and IPv6.
	ListenPort int

	// PrivateNetwork is the IPv4 CIDR from which client
	// virtual addresses are assigned. The lowest address is
	// assigned to the tun interface. The default is
	// "10.0.0.0/24".
	PrivateNetwork string

	// PublicNetworkInterface is the name of the egress network
	// interface to which client traffic is NATed. The interface
	// must exist.
	PublicNetworkInterface string

	// Route is the IPv4 CIDR clients are instructed to route
	// through the tunnel. The default, "0.0.0.0/0", routes
	// all traffic.
	Route string

	// MTU is the tun interface MTU, also sent to clients. The
	// default is 1400 and valid values are 1000 to 1500.
	MTU int

	// Secret is the shared secret clients must present in the
	// handshake.
	Secret string

	// ArchiveDirectory, when set, enables recording of per-client
	// pcapng packet captures in the specified directory, which
	// must exist.
	ArchiveDirectory string

	// DNSServer is an optional IPv4 DNS server address sent to
	// clients.
	DNSServer string

	// IPForwardingPath overrides the location of the kernel IPv4
	// forwarding flag. Intended for testing.
	IPForwardingPath string

	// LoadMonitorPeriodSeconds indicates how frequently to log server
	// load information (number of sessions, memory, CPU). When 0, load
	// is logged only on SIGUSR2.
	LoadMonitorPeriodSeconds int

	privateNetwork netip.Prefix
	route          netip.Prefix
	dnsServer      netip.Addr
	validated      bool
}

// RunLoadMonitor indicates whether to periodically log server load.
func (config *Config) RunLoadMonitor() bool {
	return config.LoadMonitorPeriodSeconds > 0
}

// ArchiveEnabled indicates whether packet captures are recorded.
func (config *Config) ArchiveEnabled() bool {
	return config.ArchiveDirectory != ""
}

// DecodeConfig decodes a JSON encoded server config without validating it,
// so that values may still be overridden before Validate is called.
func DecodeConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// LoadConfig loads and validates a JSON encoded server config. Omitted
// optional values take their defaults.
func LoadConfig(configJSON []byte) (*Config, error) {

	config, err := DecodeConfig(configJSON)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = config.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return config, nil
}

// SetDefaults fills in omitted optional values.
func (config *Config) SetDefaults() {
	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}
	if config.TunDeviceName == "" {
		config.TunDeviceName = DEFAULT_TUN_DEVICE_NAME
	}
	if config.PrivateNetwork == "" {
		config.PrivateNetwork = DEFAULT_PRIVATE_NETWORK
	}
	if config.Route == "" {
		config.Route = DEFAULT_ROUTE
	}
	if config.MTU == 0 {
		config.MTU = DEFAULT_MTU
	}
}

// Validate applies defaults, checks all values, and records the parsed
// network values.
func (config *Config) Validate() error {

	config.SetDefaults()

	if config.ListenPort < 1 || config.ListenPort > 65535 {
		return errors.Tracef("ListenPort is invalid: %d", config.ListenPort)
	}

	if config.Secret == "" {
		return errors.TraceNew("Secret is required")
	}

	if config.MTU < MIN_MTU || config.MTU > MAX_MTU {
		return errors.Tracef(
			"MTU must be between %d and %d: %d", MIN_MTU, MAX_MTU, config.MTU)
	}

	if len(config.TunDeviceName) >= 16 {
		return errors.Tracef("TunDeviceName is too long: %s", config.TunDeviceName)
	}

	privateNetwork, err := netip.ParsePrefix(config.PrivateNetwork)
	if err != nil || !privateNetwork.Addr().Is4() {
		return errors.Tracef("PrivateNetwork is invalid: %s", config.PrivateNetwork)
	}
	if privateNetwork.Bits() > MAX_PRIVATE_NETWORK_PREFIX {
		return errors.Tracef("PrivateNetwork is too small: %s", config.PrivateNetwork)
	}

	route, err := netip.ParsePrefix(config.Route)
	if err != nil || !route.Addr().Is4() {
		return errors.Tracef("Route is invalid: %s", config.Route)
	}

	if config.PublicNetworkInterface == "" {
		return errors.TraceNew("PublicNetworkInterface is required")
	}
	_, err = net.InterfaceByName(config.PublicNetworkInterface)
	if err != nil {
		return errors.Tracef(
			"PublicNetworkInterface does not exist: %s", config.PublicNetworkInterface)
	}

	var dnsServer netip.Addr
	if config.DNSServer != "" {
		dnsServer, err = netip.ParseAddr(config.DNSServer)
		if err != nil || !dnsServer.Is4() {
			return errors.Tracef("DNSServer is invalid: %s", config.DNSServer)
		}
	}

	if config.ArchiveDirectory != "" {
		info, err := os.Stat(config.ArchiveDirectory)
		if err != nil || !info.IsDir() {
			return errors.Tracef(
				"ArchiveDirectory is not a directory: %s", config.ArchiveDirectory)
		}
	}

	if config.LoadMonitorPeriodSeconds < 0 {
		return errors.TraceNew("LoadMonitorPeriodSeconds is invalid")
	}

	config.privateNetwork = privateNetwork.Masked()
	config.route = route.Masked()
	config.dnsServer = dnsServer
	config.validated = true

	return nil
}
