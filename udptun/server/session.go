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
	"crypto/subtle"
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type sessionState int

const (
	sessionStateStart sessionState = iota
	sessionStateConnected
	sessionStateDisconnected
	sessionStateError
)

func (state sessionState) String() string {
	switch state {
	case sessionStateStart:
		return "start"
	case sessionStateConnected:
		return "connected"
	case sessionStateDisconnected:
		return "disconnected"
	case sessionStateError:
		return "error"
	}
	return "unknown"
}

// datagramSender sends to client external addresses.
// *socket.DatagramSocket implements datagramSender.
type datagramSender interface {
	SendTo(p []byte, addr netip.AddrPort) (int, error)
}

// packetWriter writes client packets to the tun device.
// *tun.Device implements packetWriter.
type packetWriter interface {
	WritePacket(packet []byte) error
}

// packetArchiver records client traffic. *archive.Archiver implements
// packetArchiver.
type packetArchiver interface {
	ArchivePacket(address netip.Addr, packet []byte)
	ClientDisconnected(address netip.Addr)
}

// sessionSupport holds the collaborators and settings shared by all
// sessions. Sessions do not own any of these.
type sessionSupport struct {
	logger         common.Logger
	sender         datagramSender
	device         packetWriter
	archiver       packetArchiver
	secret         []byte
	route          netip.Prefix
	MTU            int
	DNSServer      netip.Addr
	warningLimiter *rate.Limiter
}

type packetMetrics struct {
	upstreamPackets   int64
	upstreamBytes     int64
	downstreamPackets int64
	downstreamBytes   int64
	tunWriteErrors    int64
	sendErrors        int64
	ignoredDatagrams  int64
}

// clientSession is the protocol state machine for one client, identified
// by its external address and assigned a virtual address on creation. All
// methods are called from the event loop.
type clientSession struct {
	support         *sessionSupport
	index           sessionIndex
	sessionID       string
	externalAddress netip.AddrPort
	params          tunnelParameters
	state           sessionState
	createdTime     time.Time
	lastActivity    time.Time
	metrics         packetMetrics
}

func newClientSession(
	support *sessionSupport,
	externalAddress netip.AddrPort,
	clientAddress netip.Addr,
	now time.Time) *clientSession {

	return &clientSession{
		support:         support,
		sessionID:       uuid.NewString(),
		externalAddress: externalAddress,
		params: tunnelParameters{
			clientAddress: clientAddress,
			route:         support.route,
			MTU:           support.MTU,
			DNSServer:     support.DNSServer,
		},
		state:        sessionStateStart,
		createdTime:  now,
		lastActivity: now,
	}
}

func (session *clientSession) clientAddress() netip.Addr {
	return session.params.clientAddress
}

func (session *clientSession) logFields() common.LogFields {
	return common.LogFields{
		"session_id":       session.sessionID,
		"external_address": session.externalAddress.String(),
		"client_address":   session.clientAddress().String(),
	}
}

// handleDataFromClient processes one datagram received from the client's
// external address. Every call, recognized or not, counts as activity.
func (session *clientSession) handleDataFromClient(datagram []byte, now time.Time) {

	session.lastActivity = now

	switch session.state {

	case sessionStateStart:
		session.handleHandshake(datagram)

	case sessionStateConnected:

		if len(datagram) == 0 || isKeepalive(datagram) {
			return
		}

		if isDisconnect(datagram) {
			session.state = sessionStateDisconnected
			if session.support.archiver != nil {
				session.support.archiver.ClientDisconnected(session.clientAddress())
			}
			session.support.logger.WithTraceFields(session.logFields()).Info(
				"client disconnected")
			return
		}

		// Any other datagram, including one starting with CONTROL_MARKER,
		// is a raw IP packet.

		err := session.support.device.WritePacket(datagram)
		if err != nil {
			session.metrics.tunWriteErrors++
			session.logWarning("tun write failed", err)
		} else {
			session.metrics.upstreamPackets++
			session.metrics.upstreamBytes += int64(len(datagram))
		}

		if session.support.archiver != nil {
			session.support.archiver.ArchivePacket(session.clientAddress(), datagram)
		}

	default:
		session.metrics.ignoredDatagrams++
	}
}

func (session *clientSession) handleHandshake(datagram []byte) {

	if len(datagram) < 2 || !isControlMessage(datagram) {
		session.metrics.ignoredDatagrams++
		return
	}

	secret := datagram[1:]
	if subtle.ConstantTimeCompare(secret, session.support.secret) != 1 {
		session.state = sessionStateError
		fields := session.logFields()
		fields["secret_length"] = len(secret)
		session.support.logger.WithTraceFields(fields).Warning("wrong secret")
		return
	}

	response := makeHandshakeResponse(&session.params)

	session.support.logger.WithTraceFields(common.LogFields{
		"session_id": session.sessionID,
		"parameters": session.params.String(),
	}).Debug("sending parameters")

	_, err := session.support.sender.SendTo(response, session.externalAddress)
	if err != nil {
		session.state = sessionStateError
		fields := session.logFields()
		fields["error"] = err
		session.support.logger.WithTraceFields(fields).Warning("send parameters failed")
		return
	}

	session.state = sessionStateConnected

	session.support.logger.WithTraceFields(session.logFields()).Info("client connected")
}

// handleDataFromTun forwards a packet read from the tun device, destined
// to the session's virtual address, to the client.
func (session *clientSession) handleDataFromTun(packet []byte) {

	_, err := session.support.sender.SendTo(packet, session.externalAddress)
	if err != nil {
		session.metrics.sendErrors++
		session.logWarning("send to client failed", err)
	} else {
		session.metrics.downstreamPackets++
		session.metrics.downstreamBytes += int64(len(packet))
	}

	if session.support.archiver != nil {
		session.support.archiver.ArchivePacket(session.clientAddress(), packet)
	}
}

// disconnect notifies a connected client that the session is ending. The
// notification is repeated since datagrams are not acknowledged. disconnect
// is a no-op in any other state.
func (session *clientSession) disconnect() {

	if session.state != sessionStateConnected {
		return
	}

	for i := 0; i < DISCONNECT_REPEAT; i++ {
		_, err := session.support.sender.SendTo(disconnectMessage, session.externalAddress)
		if err != nil {
			session.metrics.sendErrors++
			session.logWarning("send disconnect failed", err)
		}
	}

	session.state = sessionStateDisconnected

	if session.support.archiver != nil {
		session.support.archiver.ClientDisconnected(session.clientAddress())
	}

	session.support.logger.WithTraceFields(session.logFields()).Info("client disconnected")
}

// isIdle indicates whether the session should be removed: it has
// disconnected or has received nothing for CLIENT_IDLE_TIMEOUT.
func (session *clientSession) isIdle(now time.Time) bool {
	return session.state == sessionStateDisconnected ||
		now.Sub(session.lastActivity) > CLIENT_IDLE_TIMEOUT
}

// release is called when the session is removed from the directory. It
// closes any capture file left open by a session that did not disconnect
// and logs the session's packet metrics.
func (session *clientSession) release(now time.Time) {

	if session.state != sessionStateDisconnected && session.support.archiver != nil {
		session.support.archiver.ClientDisconnected(session.clientAddress())
	}

	fields := session.logFields()
	fields["state"] = session.state.String()
	fields["duration"] = now.Sub(session.createdTime).Round(time.Millisecond).String()
	fields["upstream_packets"] = session.metrics.upstreamPackets
	fields["upstream_bytes"] = session.metrics.upstreamBytes
	fields["downstream_packets"] = session.metrics.downstreamPackets
	fields["downstream_bytes"] = session.metrics.downstreamBytes
	fields["tun_write_errors"] = session.metrics.tunWriteErrors
	fields["send_errors"] = session.metrics.sendErrors
	fields["ignored_datagrams"] = session.metrics.ignoredDatagrams

	session.support.logger.LogMetric("packet_metrics", fields)
}

func (session *clientSession) logWarning(message string, err error) {
	if session.support.warningLimiter != nil && !session.support.warningLimiter.Allow() {
		return
	}
	fields := session.logFields()
	fields["error"] = err
	session.support.logger.WithTraceFields(fields).Warning(message)
}
