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
	"net/netip"
	"time"
)

type sessionIndex int

// sessionDirectory is the table of live sessions. Sessions are stored in a
// slot arena; the external address and virtual address indexes map to slot
// numbers, and a session is always present in both indexes or in neither.
// Not safe for concurrent use; owned by the event loop.
type sessionDirectory struct {
	slots      []*clientSession
	freeSlots  []sessionIndex
	byExternal map[netip.AddrPort]sessionIndex
	byAddress  map[netip.Addr]sessionIndex
}

func newSessionDirectory() *sessionDirectory {
	return &sessionDirectory{
		byExternal: make(map[netip.AddrPort]sessionIndex),
		byAddress:  make(map[netip.Addr]sessionIndex),
	}
}

// add inserts session into both indexes. The caller ensures neither key is
// already present.
func (directory *sessionDirectory) add(session *clientSession) {

	var index sessionIndex
	if n := len(directory.freeSlots); n > 0 {
		index = directory.freeSlots[n-1]
		directory.freeSlots = directory.freeSlots[:n-1]
		directory.slots[index] = session
	} else {
		index = sessionIndex(len(directory.slots))
		directory.slots = append(directory.slots, session)
	}

	session.index = index
	directory.byExternal[session.externalAddress] = index
	directory.byAddress[session.clientAddress()] = index
}

func (directory *sessionDirectory) lookupExternal(address netip.AddrPort) *clientSession {
	index, ok := directory.byExternal[address]
	if !ok {
		return nil
	}
	return directory.slots[index]
}

func (directory *sessionDirectory) lookupAddress(address netip.Addr) *clientSession {
	index, ok := directory.byAddress[address]
	if !ok {
		return nil
	}
	return directory.slots[index]
}

// remove deletes session from both indexes and frees its slot.
func (directory *sessionDirectory) remove(session *clientSession) {

	index := session.index
	if index < 0 || int(index) >= len(directory.slots) ||
		directory.slots[index] != session {
		return
	}

	delete(directory.byExternal, session.externalAddress)
	delete(directory.byAddress, session.clientAddress())

	directory.slots[index] = nil
	directory.freeSlots = append(directory.freeSlots, index)
	session.index = -1
}

// sweep removes every idle session, calling release for each, and returns
// the number removed.
func (directory *sessionDirectory) sweep(
	now time.Time, release func(*clientSession)) int {

	removed := 0
	for _, session := range directory.slots {
		if session == nil || !session.isIdle(now) {
			continue
		}
		directory.remove(session)
		release(session)
		removed++
	}
	return removed
}

// each calls f for each live session. f may remove the session it is
// passed.
func (directory *sessionDirectory) each(f func(*clientSession)) {
	for _, session := range directory.slots {
		if session != nil {
			f(session)
		}
	}
}

func (directory *sessionDirectory) count() int {
	return len(directory.byExternal)
}
