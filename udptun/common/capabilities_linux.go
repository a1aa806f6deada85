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

package common

import (
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/syndtr/gocapability/capability"
)

// HasNetAdminCapability reports whether this process holds an effective
// CAP_NET_ADMIN, which is required to claim tun devices, change routes and
// edit firewall rules.
func HasNetAdminCapability() (bool, error) {
	cap, err := capability.NewPid(0)
	if err != nil {
		return false, errors.Trace(err)
	}
	return cap.Get(capability.EFFECTIVE, capability.CAP_NET_ADMIN), nil
}

// ConfigureNetworkConfigSubprocessCapabilities makes this process's
// CAP_NET_ADMIN, if held, available to child processes such as "iptables"
// via the ambient capability set (Linux 4.3 and later).
func ConfigureNetworkConfigSubprocessCapabilities() error {

	cap, err := capability.NewPid(0)
	if err != nil {
		return errors.Trace(err)
	}

	if !cap.Get(capability.EFFECTIVE, capability.CAP_NET_ADMIN) {
		return nil
	}

	cap.Set(capability.INHERITABLE|capability.AMBIENT, capability.CAP_NET_ADMIN)

	err = cap.Apply(capability.AMBIENT)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
