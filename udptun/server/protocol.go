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
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Wire protocol. Each UDP payload whose first byte is CONTROL_MARKER is a
// control message, until the session is connected; connected sessions
// treat every payload that is neither a keepalive nor a disconnect as a raw
// IP packet.
//
//   handshake request:  [0][secret...]
//   handshake response: [0]"a,<address>,32 r,<route>,<prefix> m,<mtu>[ d,<dns>]"
//   keepalive:          [0]
//   disconnect:         [0]"DISCONNECT"
const (
	CONTROL_MARKER      = 0
	DISCONNECT_TOKEN    = "DISCONNECT"
	DISCONNECT_REPEAT   = 3
	CLIENT_IDLE_TIMEOUT = 60 * time.Second
	IDLE_SWEEP_PERIOD   = 5 * time.Second
	MAX_DATAGRAM_SIZE   = 32767
	MAX_EPOLL_EVENTS    = 10
)

var disconnectMessage = append([]byte{CONTROL_MARKER}, DISCONNECT_TOKEN...)

func isControlMessage(datagram []byte) bool {
	return len(datagram) > 0 && datagram[0] == CONTROL_MARKER
}

func isKeepalive(datagram []byte) bool {
	return len(datagram) == 1 && datagram[0] == CONTROL_MARKER
}

func isDisconnect(datagram []byte) bool {
	return len(datagram) == len(disconnectMessage) &&
		isControlMessage(datagram) &&
		string(datagram[1:]) == DISCONNECT_TOKEN
}

// tunnelParameters are the per-client values sent in the handshake
// response.
type tunnelParameters struct {
	clientAddress netip.Addr
	route         netip.Prefix
	MTU           int
	DNSServer     netip.Addr
}

// String returns the space separated "key,value[,value]" parameter list.
func (params *tunnelParameters) String() string {
	fields := []string{
		fmt.Sprintf("a,%s,32", params.clientAddress),
		fmt.Sprintf("r,%s,%d", params.route.Addr(), params.route.Bits()),
		fmt.Sprintf("m,%d", params.MTU),
	}
	if params.DNSServer.IsValid() {
		fields = append(fields, fmt.Sprintf("d,%s", params.DNSServer))
	}
	return strings.Join(fields, " ")
}

func makeHandshakeResponse(params *tunnelParameters) []byte {
	return append([]byte{CONTROL_MARKER}, params.String()...)
}
