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

package tun

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// GetPacketDestinationIPv4Address parses the IPv4 header of packet and
// returns its destination address. Non-IPv4 and malformed packets return
// false. Only the network layer header is decoded.
func GetPacketDestinationIPv4Address(packet []byte) (netip.Addr, bool) {

	if len(packet) < 1 || packet[0]>>4 != 4 {
		return netip.Addr{}, false
	}

	var header layers.IPv4
	err := header.DecodeFromBytes(packet, gopacket.NilDecodeFeedback)
	if err != nil {
		return netip.Addr{}, false
	}

	destination, ok := netip.AddrFromSlice(header.DstIP.To4())
	if !ok {
		return netip.Addr{}, false
	}

	return destination, true
}
