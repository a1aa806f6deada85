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
	"encoding/binary"
	"net/netip"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
)

// ErrAddressPoolExhausted is returned when no virtual address remains.
var ErrAddressPoolExhausted = errors.New("address pool exhausted")

// addressAllocator issues client virtual addresses from an IPv4 private
// network. The lowest usable address belongs to the tun interface; clients
// receive consecutive addresses after it, and the highest usable address
// is never issued. Addresses are not reused.
type addressAllocator struct {
	lowest    netip.Addr
	highest   netip.Addr
	last      netip.Addr
	exhausted bool
}

func newAddressAllocator(network netip.Prefix) (*addressAllocator, error) {

	if !network.IsValid() || !network.Addr().Is4() {
		return nil, errors.Tracef("invalid IPv4 network: %s", network)
	}
	if network.Bits() > MAX_PRIVATE_NETWORK_PREFIX {
		return nil, errors.Tracef("network too small: %s", network)
	}

	network = network.Masked()

	base := network.Addr().As4()
	hostMask := uint32(0xffffffff) >> network.Bits()
	var broadcast [4]byte
	binary.BigEndian.PutUint32(broadcast[:], binary.BigEndian.Uint32(base[:])|hostMask)

	lowest := network.Addr().Next()

	return &addressAllocator{
		lowest:  lowest,
		highest: netip.AddrFrom4(broadcast).Prev(),
		last:    lowest,
	}, nil
}

// serverAddress is the address assigned to the tun interface.
func (allocator *addressAllocator) serverAddress() netip.Addr {
	return allocator.lowest
}

// capacity is the total number of client addresses.
func (allocator *addressAllocator) capacity() int {
	return int(addressToUint32(allocator.highest) - addressToUint32(allocator.lowest) - 1)
}

// next returns the next unissued address, or ErrAddressPoolExhausted.
func (allocator *addressAllocator) next() (netip.Addr, error) {

	if allocator.exhausted {
		return netip.Addr{}, errors.Trace(ErrAddressPoolExhausted)
	}

	candidate := allocator.last.Next()
	if candidate.Compare(allocator.highest) >= 0 {
		allocator.exhausted = true
		return netip.Addr{}, errors.Trace(ErrAddressPoolExhausted)
	}

	allocator.last = candidate

	return candidate, nil
}

func addressToUint32(address netip.Addr) uint32 {
	b := address.As4()
	return binary.BigEndian.Uint32(b[:])
}
