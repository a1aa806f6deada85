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

Package epoll implements a single-threaded, readiness-based event loop over
Linux epoll. Registered EventSources are dispatched one at a time from the
goroutine calling Run, so sources may mutate shared state without locking as
long as that state is only touched from handlers.

Run is unblocked deterministically by Stop, which sets a stop flag and
signals an eventfd that is permanently registered with the epoll instance.

*/
package epoll

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"golang.org/x/sys/unix"
)

// ErrNotInitialized is returned when a Multiplexer that was not created by
// NewMultiplexer, or that has been closed, is used.
var ErrNotInitialized = errors.New("multiplexer is not initialized")

// ErrAlreadyPolling is returned when Run is called while another Run is in
// progress.
var ErrAlreadyPolling = errors.New("multiplexer is already polling")

// EventSource is a descriptor registered for read readiness. HandleReadable
// is invoked on the Run goroutine each time the descriptor is reported
// readable. A non-nil error from HandleReadable terminates Run with that
// error.
type EventSource interface {
	FD() int
	HandleReadable() error
}

// wakeToken is the epoll event data value reserved for the stop eventfd.
// Registered sources use their non-negative slot index.
const wakeToken = -1

type registration struct {
	fd     int
	source EventSource
}

// Multiplexer dispatches read readiness events to EventSources.
type Multiplexer struct {
	initialized bool
	epollFD     int
	wakeFD      int
	maxEvents   int

	mutex         sync.Mutex
	registrations []*registration

	polling atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool
}

// NewMultiplexer creates an epoll instance which returns up to maxEvents
// ready descriptors per wait.
func NewMultiplexer(maxEvents int) (*Multiplexer, error) {

	if maxEvents < 1 {
		return nil, errors.Tracef("invalid max events: %d", maxEvents)
	}

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.TraceMsg(err, "epoll_create1 failed")
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, errors.TraceMsg(err, "eventfd failed")
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeToken}
	err = unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, wakeFD, &event)
	if err != nil {
		unix.Close(wakeFD)
		unix.Close(epollFD)
		return nil, errors.TraceMsg(err, "epoll_ctl failed")
	}

	return &Multiplexer{
		initialized: true,
		epollFD:     epollFD,
		wakeFD:      wakeFD,
		maxEvents:   maxEvents,
	}, nil
}

func (m *Multiplexer) usable() bool {
	return m != nil && m.initialized && !m.closed.Load()
}

// Add registers source for read readiness.
func (m *Multiplexer) Add(source EventSource) error {

	if !m.usable() {
		return errors.Trace(ErrNotInitialized)
	}

	fd := source.FD()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot := -1
	for i, r := range m.registrations {
		if r == nil {
			if slot == -1 {
				slot = i
			}
			continue
		}
		if r.fd == fd {
			return errors.Tracef("descriptor %d already registered", fd)
		}
	}
	if slot == -1 {
		slot = len(m.registrations)
		m.registrations = append(m.registrations, nil)
	}

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(slot)}
	err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_ADD, fd, &event)
	if err != nil {
		return errors.TraceMsg(err, "epoll_ctl failed")
	}

	m.registrations[slot] = &registration{fd: fd, source: source}

	return nil
}

// Remove deregisters source. Events already returned by the current wait
// for the removed source are discarded.
func (m *Multiplexer) Remove(source EventSource) error {

	if !m.usable() {
		return errors.Trace(ErrNotInitialized)
	}

	fd := source.FD()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, r := range m.registrations {
		if r != nil && r.fd == fd {
			m.registrations[i] = nil
			err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
			if err != nil {
				return errors.TraceMsg(err, "epoll_ctl failed")
			}
			return nil
		}
	}

	return errors.Tracef("descriptor %d not registered", fd)
}

func (m *Multiplexer) lookup(slot int32) EventSource {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if slot < 0 || int(slot) >= len(m.registrations) {
		return nil
	}
	r := m.registrations[slot]
	if r == nil {
		return nil
	}
	return r.source
}

// Run waits for readiness and dispatches ready sources until Stop is called
// or a handler fails. Run returns nil after Stop.
func (m *Multiplexer) Run() error {

	if !m.usable() {
		return errors.Trace(ErrNotInitialized)
	}

	if !m.polling.CompareAndSwap(false, true) {
		return errors.Trace(ErrAlreadyPolling)
	}
	defer m.polling.Store(false)

	events := make([]unix.EpollEvent, m.maxEvents)

	for !m.stopped.Load() {

		n, err := unix.EpollWait(m.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if m.stopped.Load() {
				return nil
			}
			return errors.TraceMsg(err, "epoll_wait failed")
		}

		for i := 0; i < n; i++ {

			if m.stopped.Load() {
				return nil
			}

			if events[i].Fd == wakeToken {
				m.drainWake()
				continue
			}

			source := m.lookup(events[i].Fd)
			if source == nil {
				continue
			}

			err := source.HandleReadable()
			if err != nil {
				return errors.Trace(err)
			}
		}
	}

	return nil
}

// Stop causes Run to return. Stop may be called from any goroutine, and
// before Run, in which case the next Run returns immediately. Stop is not
// reversible.
func (m *Multiplexer) Stop() {
	if m == nil || !m.initialized {
		return
	}
	m.stopped.Store(true)
	if m.closed.Load() {
		return
	}
	var value [8]byte
	binary.NativeEndian.PutUint64(value[:], 1)
	_, _ = unix.Write(m.wakeFD, value[:])
}

// IsStopped indicates whether Stop has been called.
func (m *Multiplexer) IsStopped() bool {
	return m.stopped.Load()
}

func (m *Multiplexer) drainWake() {
	var value [8]byte
	_, _ = unix.Read(m.wakeFD, value[:])
}

// Close releases the epoll instance and wake descriptor. Close must not be
// called while Run is in progress; call Stop and wait for Run to return.
// Registered sources are not closed.
func (m *Multiplexer) Close() error {

	if m == nil || !m.initialized {
		return nil
	}

	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mutex.Lock()
	m.registrations = nil
	m.mutex.Unlock()

	err := unix.Close(m.wakeFD)
	closeErr := unix.Close(m.epollFD)
	if err == nil {
		err = closeErr
	}
	return errors.Trace(err)
}
