// SPDX-FileCopyrightText: © 2024 The Denaria Authors
// SPDX-License-Identifier: AGPL-3.0-only
package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testHarness struct {
	t *testing.T

	transport *Transport
	server    *Server
	client    *net.UDPConn

	sessions map[uint32]*WorkerQueue
}

func newTestHarness(t *testing.T) *testHarness {
	require := require.New(t)

	socket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	t.Cleanup(func() { socket.Close() })

	client, err := net.DialUDP("udp", nil, socket.LocalAddr().(*net.UDPAddr))
	require.NoError(err)
	t.Cleanup(func() { client.Close() })

	server, err := NewServer(&ServerConfig{
		MaxClients:     4,
		TimeoutSeconds: DefaultTimeoutSeconds,
		AdminClientID:  1000,
		Authenticator:  &stubAuthenticator{ok: true},
	}, testBackend(t))
	require.NoError(err)

	h := &testHarness{
		t:        t,
		server:   server,
		client:   client,
		sessions: make(map[uint32]*WorkerQueue),
	}
	h.transport = NewTransport(&TransportConfig{}, socket, server,
		func(sessionID uint32, playerIDs []string, toWorker *WorkerQueue, fromWorker *TransportQueue) {
			h.sessions[sessionID] = toWorker
		}, testBackend(t))
	return h
}

// sendAndUpdate writes a datagram from the client and lets the transport
// drain the socket.
func (h *testHarness) sendAndUpdate(p Packet) {
	require := require.New(h.t)

	_, err := h.client.Write(encodePacket(h.t, p))
	require.NoError(err)

	// Let loopback delivery land before draining.
	time.Sleep(50 * time.Millisecond)
	require.NoError(h.transport.Update(time.Millisecond))
}

func (h *testHarness) readClient() []byte {
	require := require.New(h.t)

	var buf [MaxPacketBytes]byte
	require.NoError(h.client.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := h.client.Read(buf[:])
	require.NoError(err)
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func TestTransportEndToEnd(t *testing.T) {
	require := require.New(t)
	h := newTestHarness(t)

	// The control plane registers the session roster first.
	h.sendAndUpdate(&CreateSession{ClientID: 1000, SessionID: 1, PlayerIDs: []string{"p01"}})
	queue, ok := h.sessions[1]
	require.True(ok)

	// Handshake: request, echo, auth preamble, slotting.
	h.sendAndUpdate(&ConnectionRequest{SideID: 1, ClientID: 42})
	reply, err := Decode(h.readClient())
	require.NoError(err)
	require.Equal(uint8(2), reply.(*ConnectionRequest).SideID)

	h.sendAndUpdate(&Data{ClientID: 42, Payload: authPreamble("p01", "ticket")})
	reply, err = Decode(h.readClient())
	require.NoError(err)
	require.IsType(&KeepAlive{}, reply)

	h.sendAndUpdate(&Data{ClientID: 42, Payload: []byte{}})
	reply, err = Decode(h.readClient())
	require.NoError(err)
	require.IsType(&KeepAlive{}, reply)
	require.True(h.server.IsClientConnected(42))

	m, ok := queue.Poll()
	require.True(ok)
	connected := m.(*WorkerClientConnected)
	require.Equal(uint64(42), connected.ClientID)
	require.Equal("p01", connected.PlayerID)

	// Inbound payloads route to the session worker.
	h.sendAndUpdate(&Data{ClientID: 42, Payload: []byte("frame")})
	m, ok = queue.Poll()
	require.True(ok)
	payload := m.(*WorkerPayload)
	require.Equal([]byte("frame"), payload.Payload)

	// Outbound worker batches come back wrapped in Data datagrams.
	h.transport.fromWorker.Send(&WorkerSendPacket{ClientID: 42, Packets: [][]byte{[]byte("out1"), []byte("out2")}})
	h.transport.SendPackets()
	for _, want := range []string{"out1", "out2"} {
		parsed, err := Decode(h.readClient())
		require.NoError(err)
		data := parsed.(*Data)
		require.Equal(uint64(42), data.ClientID)
		require.Equal([]byte(want), data.Payload)
	}
}

func TestTransportDisconnectNotifiesWorker(t *testing.T) {
	require := require.New(t)
	h := newTestHarness(t)

	h.sendAndUpdate(&CreateSession{ClientID: 1000, SessionID: 2, PlayerIDs: []string{"p02"}})
	queue := h.sessions[2]

	h.sendAndUpdate(&ConnectionRequest{SideID: 1, ClientID: 7})
	h.readClient()
	h.sendAndUpdate(&Data{ClientID: 7, Payload: authPreamble("p02", "ticket")})
	h.readClient()
	h.sendAndUpdate(&Data{ClientID: 7, Payload: []byte{}})
	h.readClient()
	queue.Poll() // WorkerClientConnected

	h.sendAndUpdate(&Disconnect{ClientID: 7})
	m, ok := queue.Poll()
	require.True(ok)
	require.Equal(&WorkerClientDisconnected{ClientID: 7}, m)
	require.False(h.server.IsClientConnected(7))
}

func TestTransportUnknownPlayerIsDisconnected(t *testing.T) {
	require := require.New(t)
	h := newTestHarness(t)

	// No session roster contains p99; the handshake completes but the
	// dispatcher refuses the client.
	h.sendAndUpdate(&ConnectionRequest{SideID: 1, ClientID: 8})
	h.readClient()
	h.sendAndUpdate(&Data{ClientID: 8, Payload: authPreamble("p99", "ticket")})
	h.readClient()
	h.sendAndUpdate(&Data{ClientID: 8, Payload: []byte{}})

	require.False(h.server.IsClientConnected(8))
}
