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

package archive

import (
	"net/netip"
	"sync/atomic"
)

type queueItem struct {
	address netip.Addr
	packet  []byte
}

type queueNode struct {
	next atomic.Pointer[queueNode]
	item queueItem
}

// packetQueue is an unbounded, lock-free, multi-producer single-consumer
// FIFO, after Dmitry Vyukov's intrusive MPSC node-based queue. push may be
// called from any goroutine; pop must only be called from the consumer.
//
// A pushed item may be briefly invisible to pop while its producer is
// between linking steps; pop then reports empty and the item is returned
// by a later pop.
type packetQueue struct {
	head atomic.Pointer[queueNode]
	tail *queueNode
}

func newPacketQueue() *packetQueue {
	stub := &queueNode{}
	q := &packetQueue{tail: stub}
	q.head.Store(stub)
	return q
}

func (q *packetQueue) push(item queueItem) {
	node := &queueNode{item: item}
	previous := q.head.Swap(node)
	previous.next.Store(node)
}

func (q *packetQueue) pop() (queueItem, bool) {
	next := q.tail.next.Load()
	if next == nil {
		return queueItem{}, false
	}
	q.tail = next
	item := next.item
	next.item = queueItem{}
	return item, true
}
