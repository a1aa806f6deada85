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

package hostconfig

import (
	"net"
	"net/netip"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

// NewIPTables returns an IPv4 go-iptables handle. go-iptables execs the
// "iptables" command, so CAP_NET_ADMIN is first made available to
// subprocesses.
func NewIPTables() (*iptables.IPTables, error) {

	err := common.ConfigureNetworkConfigSubprocessCapabilities()
	if err != nil {
		return nil, errors.Trace(err)
	}

	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return ipt, nil
}

// NetlinkRouteTable is a RouteTable that manages routes with netlink.
type NetlinkRouteTable struct {
}

func makeDeviceRoute(network netip.Prefix, device string) (*netlink.Route, error) {

	link, err := netlink.LinkByName(device)
	if err != nil {
		return nil, errors.TraceMsg(err, "link lookup failed")
	}

	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   net.IP(network.Addr().AsSlice()),
			Mask: net.CIDRMask(network.Bits(), network.Addr().BitLen()),
		},
	}, nil
}

// AddRoute adds a route for network via device; the equivalent of
// "ip route add <network> dev <device>".
func (NetlinkRouteTable) AddRoute(network netip.Prefix, device string) error {

	route, err := makeDeviceRoute(network, device)
	if err != nil {
		return errors.Trace(err)
	}

	err = netlink.RouteAdd(route)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// DeleteRoute removes a route added by AddRoute.
func (NetlinkRouteTable) DeleteRoute(network netip.Prefix, device string) error {

	route, err := makeDeviceRoute(network, device)
	if err != nil {
		return errors.Trace(err)
	}

	err = netlink.RouteDel(route)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
