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

package server

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/archive"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/hostconfig"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/socket"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/tun"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type acceptingIPTables struct{}

func (acceptingIPTables) Append(table, chain string, rulespec ...string) error { return nil }
func (acceptingIPTables) Delete(table, chain string, rulespec ...string) error { return nil }

// deviceRouteTable fails route deletion once the device is closed, as
// the kernel removes a non-persistent tun link with its last descriptor.
type deviceRouteTable struct {
	device  *tun.Device
	deleted int
}

func (routes *deviceRouteTable) AddRoute(network netip.Prefix, device string) error {
	return nil
}

func (routes *deviceRouteTable) DeleteRoute(network netip.Prefix, device string) error {
	if routes.device.FD() == -1 {
		return os.ErrNotExist
	}
	routes.deleted++
	return nil
}

type ServerTestSuite struct {
	suite.Suite
	logger     *testLogger
	config     *Config
	socket     *socket.DatagramSocket
	port       int
	device     *tun.Device
	devicePeer int
	archiveDir string
	archiver   *archive.Archiver
	server     *Server
	runResult  chan error
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {

	s.logger = newTestLogger()
	s.archiveDir = s.T().TempDir()

	s.config = &Config{
		ListenPort:             1,
		Secret:                 "test-secret",
		PublicNetworkInterface: "lo",
		PrivateNetwork:         "10.0.0.0/29",
		DNSServer:              "10.0.0.1",
		ArchiveDirectory:       s.archiveDir,
	}
	s.Require().NoError(s.config.Validate())

	var err error
	s.socket, err = socket.Listen(0)
	s.Require().NoError(err)
	s.port, err = s.socket.LocalPort()
	s.Require().NoError(err)

	// A datagram socketpair stands in for the tun device.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	s.Require().NoError(err)
	s.device, err = tun.NewDeviceFromFD(fds[0], "test0")
	s.Require().NoError(err)
	s.devicePeer = fds[1]

	s.archiver, err = archive.NewArchiver(s.logger, s.archiveDir)
	s.Require().NoError(err)
	s.archiver.Start()

	s.server, err = newServer(s.config, s.logger, s.socket, s.device, s.archiver)
	s.Require().NoError(err)
}

func (s *ServerTestSuite) TearDownTest() {
	if s.runResult != nil {
		s.server.Stop()
		s.waitRun()
	} else {
		s.server.shutdown()
	}
	unix.Close(s.devicePeer)
}

func (s *ServerTestSuite) run() {
	s.runResult = make(chan error, 1)
	go func() {
		s.runResult <- s.server.Run()
	}()
}

func (s *ServerTestSuite) waitRun() error {
	select {
	case err := <-s.runResult:
		s.runResult = nil
		return err
	case <-time.After(10 * time.Second):
		s.FailNow("timed out waiting for Run")
	}
	return nil
}

func (s *ServerTestSuite) dial() *net.UDPConn {
	client, err := net.DialUDP(
		"udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.port})
	s.Require().NoError(err)
	s.Require().NoError(client.SetDeadline(time.Now().Add(10 * time.Second)))
	return client
}

func (s *ServerTestSuite) read(client *net.UDPConn) []byte {
	buffer := make([]byte, MAX_DATAGRAM_SIZE)
	n, err := client.Read(buffer)
	s.Require().NoError(err)
	return buffer[:n]
}

func (s *ServerTestSuite) handshake(client *net.UDPConn) string {
	_, err := client.Write(append([]byte{0}, "test-secret"...))
	s.Require().NoError(err)
	response := s.read(client)
	s.Require().Equal(byte(0), response[0])
	return string(response[1:])
}

func (s *ServerTestSuite) readDevicePeer() []byte {
	s.Require().NoError(unix.SetNonblock(s.devicePeer, false))
	timeout := unix.Timeval{Sec: 10}
	s.Require().NoError(unix.SetsockoptTimeval(
		s.devicePeer, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout))
	buffer := make([]byte, tun.MAX_PACKET_SIZE)
	n, err := unix.Read(s.devicePeer, buffer)
	s.Require().NoError(err)
	return buffer[:n]
}

func makeTestIPv4Packet(s *suite.Suite, source, destination string, payload []byte) []byte {

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(source).To4(),
		DstIP:    net.ParseIP(destination).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	s.Require().NoError(udp.SetNetworkLayerForChecksum(ip))

	buffer := gopacket.NewSerializeBuffer()
	s.Require().NoError(gopacket.SerializeLayers(
		buffer,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload(payload)))

	return buffer.Bytes()
}

func (s *ServerTestSuite) TestRoundTrip() {

	s.run()

	client := s.dial()
	defer client.Close()

	s.Equal("a,10.0.0.2,32 r,0.0.0.0,0 m,1400 d,10.0.0.1", s.handshake(client))

	// Client to tun, byte for byte.
	upstream := makeTestIPv4Packet(&s.Suite, "10.0.0.2", "93.184.216.34", []byte("request"))
	_, err := client.Write(upstream)
	s.Require().NoError(err)
	s.Equal(upstream, s.readDevicePeer())

	// Tun to client, routed by destination address.
	downstream := makeTestIPv4Packet(&s.Suite, "93.184.216.34", "10.0.0.2", []byte("response"))
	_, err = unix.Write(s.devicePeer, downstream)
	s.Require().NoError(err)
	s.Equal(downstream, s.read(client))

	// Keepalives produce no response.
	_, err = client.Write([]byte{0})
	s.Require().NoError(err)

	// Packets for unknown addresses and non-IPv4 packets are dropped.
	unknown := makeTestIPv4Packet(&s.Suite, "93.184.216.34", "10.0.0.5", []byte("unknown"))
	_, err = unix.Write(s.devicePeer, unknown)
	s.Require().NoError(err)
	ipv6 := make([]byte, 40)
	ipv6[0] = 0x60
	_, err = unix.Write(s.devicePeer, ipv6)
	s.Require().NoError(err)

	downstream2 := makeTestIPv4Packet(&s.Suite, "1.1.1.1", "10.0.0.2", []byte("second"))
	_, err = unix.Write(s.devicePeer, downstream2)
	s.Require().NoError(err)
	s.Equal(downstream2, s.read(client))

	s.Equal(1, s.server.SessionCount())

	// Stop disconnects connected clients.
	s.server.Stop()
	s.Require().NoError(s.waitRun())

	for i := 0; i < DISCONNECT_REPEAT; i++ {
		s.Equal("\x00DISCONNECT", string(s.read(client)))
	}

	s.Equal(0, s.server.SessionCount())
	s.Len(s.logger.getMetrics("packet_metrics"), 1)

	// The archiver was drained on shutdown.
	file, err := os.Open(filepath.Join(s.archiveDir, "10-0-0-2.pcapng"))
	s.Require().NoError(err)
	defer file.Close()
	reader, err := pcapgo.NewNgReader(file, pcapgo.DefaultNgReaderOptions)
	s.Require().NoError(err)
	var captured [][]byte
	for {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		captured = append(captured, data)
	}
	s.Equal([][]byte{upstream, downstream, downstream2}, captured)
}

func (s *ServerTestSuite) TestMultipleClients() {

	s.run()

	client1 := s.dial()
	defer client1.Close()
	client2 := s.dial()
	defer client2.Close()

	s.Contains(s.handshake(client1), "a,10.0.0.2,32")
	s.Contains(s.handshake(client2), "a,10.0.0.3,32")

	packet := makeTestIPv4Packet(&s.Suite, "8.8.8.8", "10.0.0.3", []byte("client2"))
	_, err := unix.Write(s.devicePeer, packet)
	s.Require().NoError(err)
	s.Equal(packet, s.read(client2))

	// Client disconnect is processed; other clients are unaffected.
	_, err = client1.Write([]byte("\x00DISCONNECT"))
	s.Require().NoError(err)

	packet = makeTestIPv4Packet(&s.Suite, "8.8.8.8", "10.0.0.3", []byte("again"))
	_, err = unix.Write(s.devicePeer, packet)
	s.Require().NoError(err)
	s.Equal(packet, s.read(client2))
}

func (s *ServerTestSuite) TestWrongSecret() {

	s.run()

	client := s.dial()
	defer client.Close()

	_, err := client.Write([]byte("\x00not-the-secret"))
	s.Require().NoError(err)

	_, err = client.Write(append([]byte{0}, "test-secret"...))
	s.Require().NoError(err)

	s.Require().NoError(client.SetReadDeadline(time.Now().Add(200 * time.Millisecond)))
	_, err = client.Read(make([]byte, 64))
	s.Require().Error(err)
	netErr, ok := err.(net.Error)
	s.Require().True(ok)
	s.True(netErr.Timeout())
}

func (s *ServerTestSuite) TestAddressPoolExhaustion() {

	// 10.0.0.0/29 has four client addresses.
	external := func(i int) netip.AddrPort {
		return netip.AddrPortFrom(netip.MustParseAddr("::ffff:192.0.2.1"), uint16(1000+i))
	}

	now := s.server.now()
	for i := 0; i < 4; i++ {
		s.server.handleClientDatagram([]byte{0x45}, external(i), now)
	}
	s.Equal(4, s.server.SessionCount())

	// Further clients are rejected without affecting existing sessions.
	s.server.handleClientDatagram([]byte{0x45}, external(4), now)
	s.Equal(4, s.server.SessionCount())
	s.Nil(s.server.directory.lookupExternal(external(4)))
	s.NotNil(s.server.directory.lookupAddress(netip.MustParseAddr("10.0.0.5")))
	s.Equal(1, s.server.GetMetrics()["rejected_client_count"])

	// A rejected client is remembered.
	s.server.handleClientDatagram([]byte{0x45}, external(4), now)
	s.server.handleClientDatagram([]byte{0x45}, external(5), now)
	s.Equal(2, s.server.GetMetrics()["rejected_client_count"])
	s.Equal(4, s.server.SessionCount())

	// Known clients are still served.
	session := s.server.directory.lookupExternal(external(0))
	s.Require().NotNil(session)
	later := now.Add(time.Second)
	s.server.handleClientDatagram([]byte{0}, external(0), later)
	s.Equal(later, session.lastActivity)
}

func (s *ServerTestSuite) TestIdleSweep() {

	start := time.Now()
	clock := start
	s.server.now = func() time.Time { return clock }
	s.server.lastSweep = start

	idle := netip.MustParseAddrPort("[::ffff:192.0.2.1]:1000")
	active := netip.MustParseAddrPort("[::ffff:192.0.2.2]:1000")

	s.server.handleClientDatagram([]byte{0x45}, idle, start)
	s.server.handleClientDatagram([]byte{0x45}, active, start)
	s.Equal(2, s.server.SessionCount())

	// Activity, recognized or not, keeps a session.
	clock = start.Add(50 * time.Second)
	s.server.handleClientDatagram([]byte{0x99}, active, clock)

	// The sweep runs only once IDLE_SWEEP_PERIOD has elapsed since the last.
	clock = start.Add(CLIENT_IDLE_TIMEOUT + time.Second)
	s.server.sweepIfDue(clock)

	s.Equal(1, s.server.SessionCount())
	s.Nil(s.server.directory.lookupExternal(idle))
	s.Nil(s.server.directory.lookupAddress(netip.MustParseAddr("10.0.0.2")))
	s.NotNil(s.server.directory.lookupExternal(active))
	s.NotNil(s.server.directory.lookupAddress(netip.MustParseAddr("10.0.0.3")))

	// A returning client gets a new session and address.
	s.server.handleClientDatagram([]byte{0x45}, idle, clock)
	s.Equal(2, s.server.SessionCount())
	s.NotNil(s.server.directory.lookupAddress(netip.MustParseAddr("10.0.0.4")))

	// Idle sessions remain until a sweep is due.
	clock = clock.Add(2 * CLIENT_IDLE_TIMEOUT)
	s.server.lastSweep = clock
	s.server.sweepIfDue(clock.Add(IDLE_SWEEP_PERIOD))
	s.Equal(2, s.server.SessionCount())

	s.server.sweepIfDue(clock.Add(IDLE_SWEEP_PERIOD + time.Millisecond))
	s.Equal(0, s.server.SessionCount())

	s.Len(s.logger.getMetrics("packet_metrics"), 3)
}

func (s *ServerTestSuite) TestZeroLengthDatagramIgnored() {

	s.run()

	client := s.dial()
	defer client.Close()

	_, err := client.Write([]byte{})
	s.Require().NoError(err)

	s.Contains(s.handshake(client), "a,10.0.0.2,32")
	s.Equal(1, s.server.SessionCount())
}

func (s *ServerTestSuite) TestStopBeforeRun() {
	s.server.Stop()
	s.run()
	s.Require().NoError(s.waitRun())
	s.True(s.logger.hasEntry("stopped"))
}

func (s *ServerTestSuite) TestShutdownRevertsHostConfiguration() {

	forwardingPath := filepath.Join(s.T().TempDir(), "ip_forward")
	s.Require().NoError(os.WriteFile(forwardingPath, []byte("0\n"), 0600))
	forwarding := hostconfig.NewIPForwarding(s.logger, forwardingPath)
	s.Require().NoError(forwarding.Enable())

	routes := &deviceRouteTable{device: s.device}
	natRouting := hostconfig.NewNATRouting(s.logger, acceptingIPTables{}, routes)
	s.Require().NoError(natRouting.Apply("lo", s.device.Name(), s.config.privateNetwork))

	s.server.forwarding = forwarding
	s.server.natRouting = natRouting

	s.server.Stop()
	s.run()
	s.Require().NoError(s.waitRun())

	s.Equal(1, routes.deleted)
	s.Equal(0, natRouting.ActiveRuleCount())
	s.False(s.logger.hasEntry("shutdown step failed"))
	s.Equal(-1, s.device.FD())

	value, err := os.ReadFile(forwardingPath)
	s.Require().NoError(err)
	s.Equal("0\n", string(value))

	// Nothing remains to revert.
	s.NoError(natRouting.Revert())
	s.Equal(1, routes.deleted)
}

func TestNewServerRollback(t *testing.T) {

	forwardingPath := filepath.Join(t.TempDir(), "ip_forward")
	require.NoError(t, os.WriteFile(forwardingPath, []byte("0\n"), 0600))

	config := &Config{
		ListenPort:             1,
		Secret:                 "test-secret",
		PublicNetworkInterface: "lo",
		IPForwardingPath:       forwardingPath,
		// Interface names may not contain '/', so tun device creation
		// fails after forwarding was enabled.
		TunDeviceName: "bad/tun",
	}

	logger := newTestLogger()

	server, err := NewServer(config, logger)
	require.Error(t, err)
	require.Nil(t, server)

	require.True(t, logger.hasEntry("ip forwarding enabled"))
	require.True(t, logger.hasEntry("ip forwarding restored"))

	value, err := os.ReadFile(forwardingPath)
	require.NoError(t, err)
	require.Equal(t, "0\n", string(value))

	// Invalid configs fail before any host change.
	require.NoError(t, os.WriteFile(forwardingPath, []byte("0\n"), 0600))
	config = &Config{IPForwardingPath: forwardingPath}
	_, err = NewServer(config, newTestLogger())
	require.Error(t, err)

	value, err = os.ReadFile(forwardingPath)
	require.NoError(t, err)
	require.Equal(t, "0\n", string(value))
}

func (s *ServerTestSuite) TestListeningLog() {

	s.server.Stop()
	s.run()
	s.Require().NoError(s.waitRun())

	fields, ok := s.logger.entryFields("listening")
	s.Require().True(ok)
	s.Equal(s.port, fields["port"])
	s.Equal("test0", fields["device"])
	s.NotContains(fields, "error")
}

func (s *ServerTestSuite) TestListeningLogWithClosedSocket() {

	s.Require().NoError(s.socket.Close())

	s.server.Stop()
	s.run()
	s.Require().NoError(s.waitRun())

	fields, ok := s.logger.entryFields("listening")
	s.Require().True(ok)
	s.NotContains(fields, "port")
	s.Contains(fields, "error")
}

func (s *ServerTestSuite) TestSweepWithoutPendingDatagram() {

	start := time.Now()
	clock := start
	s.server.now = func() time.Time { return clock }
	s.server.lastSweep = start

	s.server.handleClientDatagram(
		[]byte{0x45}, netip.MustParseAddrPort("[::ffff:192.0.2.1]:1000"), start)
	s.Equal(1, s.server.SessionCount())

	// No datagram is pending, so the receive fails with EAGAIN; the
	// sweep still runs.
	clock = start.Add(CLIENT_IDLE_TIMEOUT + time.Second)
	s.Require().NoError(s.server.handleSocketReadable())
	s.Equal(0, s.server.SessionCount())

	s.server.handleClientDatagram(
		[]byte{0x45}, netip.MustParseAddrPort("[::ffff:192.0.2.2]:1000"), clock)
	s.Equal(1, s.server.SessionCount())

	// Likewise for the tun device.
	clock = clock.Add(CLIENT_IDLE_TIMEOUT + time.Second)
	s.Require().NoError(s.server.handleDeviceReadable())
	s.Equal(0, s.server.SessionCount())
}
