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

Package hostconfig applies and reverts the host network state a packet
tunnel server depends on: IPv4 forwarding, a route for the private network,
and NAT/forwarding firewall rules. Every change records enough state to be
reverted, and reverting something that was never applied is a no-op.

*/
package hostconfig

import (
	"os"
	"strings"
	"sync"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
)

const (
	DEFAULT_IP_FORWARD_PATH = "/proc/sys/net/ipv4/ip_forward"
	IP_FORWARD_ENABLED      = "1"
)

// IPForwarding forces the kernel IPv4 forwarding flag on and restores the
// original value when done.
type IPForwarding struct {
	logger common.Logger
	path   string

	mutex    sync.Mutex
	original string
	changed  bool
}

// NewIPForwarding creates an IPForwarding for the flag file at path, or
// DEFAULT_IP_FORWARD_PATH when path is "".
func NewIPForwarding(logger common.Logger, path string) *IPForwarding {
	if path == "" {
		path = DEFAULT_IP_FORWARD_PATH
	}
	return &IPForwarding{
		logger: logger,
		path:   path,
	}
}

// Enable reads the current flag value and, when it is not already enabled,
// writes the enabled value. The flag is left untouched when already enabled.
func (f *IPForwarding) Enable() error {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	value, err := os.ReadFile(f.path)
	if err != nil {
		return errors.TraceMsg(err, "read forwarding flag failed")
	}

	current := strings.TrimSpace(string(value))

	if current == IP_FORWARD_ENABLED {
		f.logger.WithTrace().Debug("ip forwarding already enabled")
		return nil
	}

	err = f.write(IP_FORWARD_ENABLED)
	if err != nil {
		return errors.TraceMsg(err, "write forwarding flag failed")
	}

	f.original = current
	f.changed = true

	f.logger.WithTraceFields(common.LogFields{
		"original": current,
	}).Info("ip forwarding enabled")

	return nil
}

// Restore writes back the original flag value if Enable changed it.
func (f *IPForwarding) Restore() error {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.changed {
		return nil
	}

	err := f.write(f.original)
	if err != nil {
		return errors.TraceMsg(err, "restore forwarding flag failed")
	}

	f.changed = false

	f.logger.WithTraceFields(common.LogFields{
		"value": f.original,
	}).Info("ip forwarding restored")

	return nil
}

func (f *IPForwarding) write(value string) error {
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = file.WriteString(value + "\n")
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	return errors.Trace(err)
}
