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

/*

Package socket provides a dual-stack UDP socket built directly on the socket
syscalls, exposing its descriptor for use with an epoll event loop. IPv4
peers are accepted and reported as IPv4-mapped IPv6 addresses.

*/
package socket

import (
	"net/netip"
	"strconv"
	"sync"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"golang.org/x/sys/unix"
)

// ErrNotInitialized is returned when a DatagramSocket is used before Listen
// or after Close.
var ErrNotInitialized = errors.New("socket is not initialized")

// DatagramSocket is a non-blocking AF_INET6 UDP socket bound to all local
// addresses.
type DatagramSocket struct {
	mutex sync.RWMutex
	fd    int
	open  bool
}

// Listen creates a dual-stack UDP socket, with SO_REUSEADDR set, bound to
// port on all local addresses. Port 0 selects an ephemeral port.
func Listen(port int) (*DatagramSocket, error) {

	if port < 0 || port > 65535 {
		return nil, errors.Tracef("invalid port: %d", port)
	}

	fd, err := unix.Socket(
		unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Tracef("socket failed: %s", err)
	}

	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Tracef("setsockopt SO_REUSEADDR failed: %s", err)
	}

	err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Tracef("setsockopt IPV6_V6ONLY failed: %s", err)
	}

	err = unix.Bind(fd, &unix.SockaddrInet6{Port: port})
	if err != nil {
		unix.Close(fd)
		return nil, errors.Tracef("bind port %d failed: %s", port, err)
	}

	return &DatagramSocket{fd: fd, open: true}, nil
}

// FD returns the socket descriptor, or -1 when not open.
func (s *DatagramSocket) FD() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.open {
		return -1
	}
	return s.fd
}

// LocalPort returns the bound port.
func (s *DatagramSocket) LocalPort() (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.open {
		return 0, errors.Trace(ErrNotInitialized)
	}
	sockaddr, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, errors.Trace(err)
	}
	switch addr := sockaddr.(type) {
	case *unix.SockaddrInet6:
		return addr.Port, nil
	case *unix.SockaddrInet4:
		return addr.Port, nil
	}
	return 0, errors.TraceNew("unexpected socket address type")
}

// ReceiveFrom reads one datagram into p, returning its length, which may be
// shorter than the datagram when p is too small, and the sender address.
// When no datagram is pending, the returned error satisfies
// errors.Is(err, unix.EAGAIN).
func (s *DatagramSocket) ReceiveFrom(p []byte) (int, netip.AddrPort, error) {

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.open {
		return 0, netip.AddrPort{}, errors.Trace(ErrNotInitialized)
	}

	for {
		n, from, err := unix.Recvfrom(s.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, errors.Trace(err)
		}
		return n, sockaddrToAddrPort(from), nil
	}
}

// SendTo sends p as one datagram to addr. IPv4 destinations are sent to
// their IPv4-mapped IPv6 equivalent.
func (s *DatagramSocket) SendTo(p []byte, addr netip.AddrPort) (int, error) {

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.open {
		return 0, errors.Trace(ErrNotInitialized)
	}

	if !addr.IsValid() {
		return 0, errors.TraceNew("invalid destination address")
	}

	sockaddr := addrPortToSockaddr(addr)

	for {
		err := unix.Sendto(s.fd, p, 0, sockaddr)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		return len(p), nil
	}
}

// Close closes the socket. Close is idempotent.
func (s *DatagramSocket) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	return errors.Trace(unix.Close(s.fd))
}

func sockaddrToAddrPort(sockaddr unix.Sockaddr) netip.AddrPort {
	switch addr := sockaddr.(type) {
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(addr.Addr)
		if addr.ZoneId != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(addr.ZoneId), 10))
		}
		return netip.AddrPortFrom(ip, uint16(addr.Port))
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(
			netip.AddrFrom16(netip.AddrFrom4(addr.Addr).As16()), uint16(addr.Port))
	}
	return netip.AddrPort{}
}

func addrPortToSockaddr(addr netip.AddrPort) *unix.SockaddrInet6 {
	sockaddr := &unix.SockaddrInet6{
		Port: int(addr.Port()),
		Addr: addr.Addr().As16(),
	}
	if zone := addr.Addr().Zone(); zone != "" {
		zoneID, err := strconv.ParseUint(zone, 10, 32)
		if err == nil {
			sockaddr.ZoneId = uint32(zoneID)
		}
	}
	return sockaddr
}
