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

Package server implements a multi-client UDP packet tunnel server. Clients
handshake over UDP with a shared secret, are assigned a virtual IPv4 address
from a private network, and exchange raw IP packets with a tun device which
the host routes and NATs to a public interface.

All socket and tun I/O, and all session state, is handled on a single event
loop goroutine.

*/
package server

import (
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/archive"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/epoll"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/hostconfig"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/socket"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/tun"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// REJECTED_CLIENT_TTL is how long a client rejected for lack of addresses
// is remembered. Datagrams from remembered clients are dropped silently.
const REJECTED_CLIENT_TTL = CLIENT_IDLE_TIMEOUT

// Server is the tunnel server. Run executes the event loop; Stop, from any
// goroutine, ends it.
type Server struct {
	config      *Config
	logger      common.Logger
	socket      *socket.DatagramSocket
	device      *tun.Device
	archiver    *archive.Archiver
	forwarding  *hostconfig.IPForwarding
	natRouting  *hostconfig.NATRouting
	multiplexer *epoll.Multiplexer

	// Owned by the event loop.
	support       *sessionSupport
	directory     *sessionDirectory
	allocator     *addressAllocator
	receiveBuffer []byte
	lastSweep     time.Time
	now           func() time.Time

	sessionCount    atomic.Int64
	rejectedClients *cache.Cache
	warningLimiter  *rate.Limiter
	shutdownOnce    sync.Once
}

// NewServer applies host configuration and creates the server's socket and
// tun device, in this order: IP forwarding, tun device, UDP socket, route and
// NAT rules, archiver. When any step fails, the preceding steps are undone
// and the error is returned.
func NewServer(config *Config, logger common.Logger) (retServer *Server, retErr error) {

	if !config.validated {
		err := config.Validate()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	var undo []func()
	defer func() {
		if retErr != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	logUndoError := func(message string, err error) {
		if err != nil {
			logger.WithTraceFields(common.LogFields{"error": err}).Warning(message)
		}
	}

	// The tun interface takes the network's lowest address.
	allocator, err := newAddressAllocator(config.privateNetwork)
	if err != nil {
		return nil, errors.Trace(err)
	}

	forwarding := hostconfig.NewIPForwarding(logger, config.IPForwardingPath)
	err = forwarding.Enable()
	if err != nil {
		return nil, errors.Trace(err)
	}
	undo = append(undo, func() {
		logUndoError("restore forwarding failed", forwarding.Restore())
	})

	device, err := tun.NewServerDevice(
		logger, config.TunDeviceName, allocator.serverAddress(), config.MTU)
	if err != nil {
		return nil, errors.Trace(err)
	}
	undo = append(undo, func() {
		logUndoError("close tun device failed", device.Close())
	})

	datagramSocket, err := socket.Listen(config.ListenPort)
	if err != nil {
		return nil, errors.Trace(err)
	}
	undo = append(undo, func() {
		logUndoError("close socket failed", datagramSocket.Close())
	})

	iptables, err := hostconfig.NewIPTables()
	if err != nil {
		return nil, errors.Trace(err)
	}

	natRouting := hostconfig.NewNATRouting(logger, iptables, hostconfig.NetlinkRouteTable{})
	err = natRouting.Apply(
		config.PublicNetworkInterface, device.Name(), config.privateNetwork)
	if err != nil {
		return nil, errors.Trace(err)
	}
	undo = append(undo, func() {
		logUndoError("revert NAT failed", natRouting.Revert())
	})

	var archiver *archive.Archiver
	if config.ArchiveEnabled() {
		archiver, err = archive.NewArchiver(logger, config.ArchiveDirectory)
		if err != nil {
			return nil, errors.Trace(err)
		}
		archiver.Start()
		undo = append(undo, archiver.Stop)
	}

	server, err := newServer(config, logger, datagramSocket, device, archiver)
	if err != nil {
		return nil, errors.Trace(err)
	}

	server.forwarding = forwarding
	server.natRouting = natRouting

	return server, nil
}

// newServer creates a Server around an already configured socket, tun
// device and optional archiver, and registers the socket and device with a
// new multiplexer. The caller retains ownership of its arguments on error.
func newServer(
	config *Config,
	logger common.Logger,
	datagramSocket *socket.DatagramSocket,
	device *tun.Device,
	archiver *archive.Archiver) (*Server, error) {

	allocator, err := newAddressAllocator(config.privateNetwork)
	if err != nil {
		return nil, errors.Trace(err)
	}

	multiplexer, err := epoll.NewMultiplexer(MAX_EPOLL_EVENTS)
	if err != nil {
		return nil, errors.Trace(err)
	}

	warningLimiter := rate.NewLimiter(rate.Every(time.Second), 10)

	support := &sessionSupport{
		logger:         logger,
		sender:         datagramSocket,
		device:         device,
		secret:         []byte(config.Secret),
		route:          config.route,
		MTU:            config.MTU,
		DNSServer:      config.dnsServer,
		warningLimiter: warningLimiter,
	}

	// A nil *archive.Archiver must not become a non-nil interface value.
	if archiver != nil {
		support.archiver = archiver
	}

	server := &Server{
		config:          config,
		logger:          logger,
		socket:          datagramSocket,
		device:          device,
		archiver:        archiver,
		multiplexer:     multiplexer,
		support:         support,
		directory:       newSessionDirectory(),
		allocator:       allocator,
		receiveBuffer:   make([]byte, MAX_DATAGRAM_SIZE),
		now:             time.Now,
		rejectedClients: cache.New(REJECTED_CLIENT_TTL, REJECTED_CLIENT_TTL/2),
		warningLimiter:  warningLimiter,
	}
	server.lastSweep = server.now()

	err = multiplexer.Add(&socketEventSource{server: server})
	if err == nil {
		err = multiplexer.Add(&deviceEventSource{server: server})
	}
	if err != nil {
		multiplexer.Close()
		return nil, errors.Trace(err)
	}

	return server, nil
}

type socketEventSource struct {
	server *Server
}

func (source *socketEventSource) FD() int {
	return source.server.socket.FD()
}

func (source *socketEventSource) HandleReadable() error {
	return source.server.handleSocketReadable()
}

type deviceEventSource struct {
	server *Server
}

func (source *deviceEventSource) FD() int {
	return source.server.device.FD()
}

func (source *deviceEventSource) HandleReadable() error {
	return source.server.handleDeviceReadable()
}

// Run executes the event loop until Stop is called or a fatal error occurs.
// Before returning, Run disconnects all clients, stops the archiver, reverts
// host configuration, and closes the socket and device.
func (server *Server) Run() error {

	fields := common.LogFields{"device": server.device.Name()}
	port, err := server.socket.LocalPort()
	if err != nil {
		fields["error"] = err
	} else {
		fields["port"] = port
	}
	server.logger.WithTraceFields(fields).Info("listening")

	err = server.multiplexer.Run()
	if err != nil {
		server.logger.WithTraceFields(common.LogFields{"error": err}).Error("event loop failed")
	}

	server.shutdown()

	return errors.Trace(err)
}

// Stop causes Run to return. Stop may be called from any goroutine.
func (server *Server) Stop() {
	server.multiplexer.Stop()
}

// SessionCount returns the number of live sessions. SessionCount may be
// called from any goroutine.
func (server *Server) SessionCount() int {
	return int(server.sessionCount.Load())
}

// GetMetrics implements common.MetricsSource.
func (server *Server) GetMetrics() common.LogFields {
	return common.LogFields{
		"session_count":         server.SessionCount(),
		"rejected_client_count": server.rejectedClients.ItemCount(),
	}
}

func (server *Server) handleSocketReadable() error {

	n, from, err := server.socket.ReceiveFrom(server.receiveBuffer)

	now := server.now()

	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			server.logWarning("receive failed", err)
		}
	} else if n > 0 {
		// Zero length datagrams don't create sessions.
		server.handleClientDatagram(server.receiveBuffer[:n], from, now)
	}

	server.sweepIfDue(now)

	return nil
}

func (server *Server) handleClientDatagram(
	datagram []byte, from netip.AddrPort, now time.Time) {

	session := server.directory.lookupExternal(from)

	if session == nil {

		key := from.String()
		if _, ok := server.rejectedClients.Get(key); ok {
			return
		}

		clientAddress, err := server.allocator.next()
		if err != nil {
			// Existing sessions are unaffected.
			server.rejectedClients.Set(key, now, cache.DefaultExpiration)
			server.logWarning("client rejected", err)
			return
		}

		session = newClientSession(server.support, from, clientAddress, now)
		server.directory.add(session)
		server.sessionCount.Add(1)

		server.logger.WithTraceFields(session.logFields()).Debug("session created")
	}

	session.handleDataFromClient(datagram, now)
}

func (server *Server) handleDeviceReadable() error {

	packet, err := server.device.ReadPacket()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, tun.ErrNotInitialized) {
			return errors.Trace(err)
		}
		if !errors.Is(err, unix.EAGAIN) {
			server.logWarning("tun read failed", err)
		}
	} else {
		destination, ok := tun.GetPacketDestinationIPv4Address(packet)
		if ok {
			session := server.directory.lookupAddress(destination)
			if session != nil {
				session.handleDataFromTun(packet)
			}
		}
	}

	server.sweepIfDue(server.now())

	return nil
}

func (server *Server) sweepIfDue(now time.Time) {

	if now.Sub(server.lastSweep) <= IDLE_SWEEP_PERIOD {
		return
	}
	server.lastSweep = now

	removed := server.directory.sweep(now, func(session *clientSession) {
		server.releaseSession(session, now)
	})

	if removed > 0 {
		server.logger.WithTraceFields(common.LogFields{
			"removed":  removed,
			"sessions": server.directory.count(),
		}).Debug("idle sessions removed")
	}
}

func (server *Server) releaseSession(session *clientSession, now time.Time) {
	session.release(now)
	server.sessionCount.Add(-1)
}

func (server *Server) shutdown() {
	server.shutdownOnce.Do(func() {

		now := server.now()

		server.directory.each(func(session *clientSession) {
			session.disconnect()
			server.directory.remove(session)
			server.releaseSession(session, now)
		})

		if server.archiver != nil {
			server.archiver.Stop()
		}

		// The route references the tun link, which the kernel removes when
		// the device is closed.

		var closeErrors []error

		if server.natRouting != nil {
			closeErrors = append(closeErrors, server.natRouting.Revert())
		}

		if server.forwarding != nil {
			closeErrors = append(closeErrors, server.forwarding.Restore())
		}

		closeErrors = append(closeErrors,
			server.multiplexer.Close(),
			server.socket.Close(),
			server.device.Close())

		for _, err := range closeErrors {
			if err != nil {
				server.logger.WithTraceFields(
					common.LogFields{"error": err}).Warning("shutdown step failed")
			}
		}

		server.logger.WithTrace().Info("stopped")
	})
}

func (server *Server) logWarning(message string, err error) {
	if !server.warningLimiter.Allow() {
		return
	}
	server.logger.WithTraceFields(common.LogFields{"error": err}).Warning(message)
}
