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

Package tun provides a Linux TUN device for a packet tunnel server. Packets
are raw IPv4/IPv6 with no packet information header (IFF_NO_PI). The device
descriptor is non-blocking, for use with an epoll event loop.

*/
package tun

import (
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	MAX_PACKET_SIZE = 32767
	TUN_DEVICE_PATH = "/dev/net/tun"
)

// ErrNotInitialized is returned when a Device is used after Close.
var ErrNotInitialized = errors.New("tun device is not initialized")

// Device is a TUN network interface.
type Device struct {
	name       string
	address    netip.Addr
	mutex      sync.RWMutex
	fd         int
	open       bool
	readBuffer []byte
}

// NewServerDevice claims the TUN interface name, assigns it address as a
// /32, sets its MTU, and brings it up. Requires CAP_NET_ADMIN.
//
// The interface is configured with netlink rather than by exec'ing
// "ifconfig" or "ip".
func NewServerDevice(
	logger common.Logger,
	name string,
	address netip.Addr,
	MTU int) (*Device, error) {

	if !address.Is4() {
		return nil, errors.Tracef("invalid device address: %s", address)
	}

	fd, deviceName, err := createTunDevice(name)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = configureServerInterface(deviceName, address, MTU)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(err)
	}

	logger.WithTraceFields(common.LogFields{
		"device":  deviceName,
		"address": address.String(),
		"mtu":     MTU,
	}).Info("tun device created")

	return &Device{
		name:       deviceName,
		address:    address,
		fd:         fd,
		open:       true,
		readBuffer: make([]byte, MAX_PACKET_SIZE),
	}, nil
}

// NewDeviceFromFD wraps an existing TUN descriptor, taking ownership of it.
// The descriptor is switched to non-blocking mode.
func NewDeviceFromFD(fd int, name string) (*Device, error) {

	err := unix.SetNonblock(fd, true)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Device{
		name:       name,
		fd:         fd,
		open:       true,
		readBuffer: make([]byte, MAX_PACKET_SIZE),
	}, nil
}

func createTunDevice(name string) (int, string, error) {

	fd, err := unix.Open(TUN_DEVICE_PATH, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, "", errors.Tracef("open %s failed: %s", TUN_DEVICE_PATH, err)
	}

	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, "", errors.Tracef("invalid device name %q: %s", name, err)
	}

	// No packet information header; reads and writes are bare IP packets.
	ifreq.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifreq)
	if err != nil {
		unix.Close(fd)
		return -1, "", errors.Tracef("TUNSETIFF %s failed: %s", name, err)
	}

	return fd, ifreq.Name(), nil
}

func configureServerInterface(name string, address netip.Addr, MTU int) error {

	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.TraceMsg(err, "link lookup failed")
	}

	// A host address only; the private network route is added separately.
	addr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   net.IP(address.AsSlice()),
			Mask: net.CIDRMask(32, 32),
		},
	}

	err = netlink.AddrReplace(link, addr)
	if err != nil {
		return errors.TraceMsg(err, "address assignment failed")
	}

	err = netlink.LinkSetMTU(link, MTU)
	if err != nil {
		return errors.TraceMsg(err, "set MTU failed")
	}

	err = netlink.LinkSetUp(link)
	if err != nil {
		return errors.TraceMsg(err, "link up failed")
	}

	return nil
}

// Name returns the interface name.
func (device *Device) Name() string {
	return device.name
}

// Address returns the address assigned to the interface, which is invalid
// for devices created with NewDeviceFromFD.
func (device *Device) Address() netip.Addr {
	return device.address
}

// FD returns the device descriptor, or -1 after Close.
func (device *Device) FD() int {
	device.mutex.RLock()
	defer device.mutex.RUnlock()
	if !device.open {
		return -1
	}
	return device.fd
}

// ReadPacket reads one packet. The returned slice references an internal
// buffer and is valid only until the next ReadPacket call. ReadPacket is
// not safe for concurrent use. When no packet is pending, the returned
// error satisfies errors.Is(err, unix.EAGAIN).
func (device *Device) ReadPacket() ([]byte, error) {

	device.mutex.RLock()
	defer device.mutex.RUnlock()

	if !device.open {
		return nil, errors.Trace(ErrNotInitialized)
	}

	for {
		n, err := unix.Read(device.fd, device.readBuffer)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		if n == 0 {
			return nil, errors.Trace(io.EOF)
		}
		return device.readBuffer[:n], nil
	}
}

// WritePacket writes one packet.
func (device *Device) WritePacket(packet []byte) error {

	device.mutex.RLock()
	defer device.mutex.RUnlock()

	if !device.open {
		return errors.Trace(ErrNotInitialized)
	}

	for {
		_, err := unix.Write(device.fd, packet)
		if err == unix.EINTR {
			continue
		}
		return errors.Trace(err)
	}
}

// Close closes the device descriptor. The kernel removes the non-persistent
// interface when its last descriptor is closed. Close is idempotent.
func (device *Device) Close() error {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if !device.open {
		return nil
	}
	device.open = false
	return errors.Trace(unix.Close(device.fd))
}
