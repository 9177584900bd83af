// SPDX-FileCopyrightText: © 2024 The Denaria Authors
// SPDX-License-Identifier: AGPL-3.0-only
package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConnection(t *testing.T) *Connection {
	return NewConnection(DefaultConnectionConfig(), testLogger(t))
}

func TestConnectionStatusMachine(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	require.True(c.IsConnecting())

	c.SetConnected("p01")
	require.True(c.IsConnected())
	require.Equal("p01", c.PlayerID())

	c.Disconnect()
	require.True(c.IsDisconnected())
	require.Equal(DisconnectedByClient, c.DisconnectReason().Code)

	// Terminal: a disconnected connection is not reusable.
	c.SetConnected("p02")
	require.True(c.IsDisconnected())
	require.Equal("p01", c.PlayerID())
}

func TestConnectionAckMask(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	for _, seq := range []uint16{100, 102, 103} {
		c.addPendingAck(seq)
	}

	anchor, mask, ok := c.createAckBytes()
	require.True(ok)
	require.Equal(uint16(103), anchor)
	require.Equal(uint32(0b1011), mask)

	require.Equal([]uint16{103, 102, 100}, AckedPacketIDs(anchor, mask))
}

func TestConnectionAckMaskWrap(t *testing.T) {
	require := require.New(t)

	require.Equal([]uint16{0, 65535}, AckedPacketIDs(0, 0b11))
}

func TestConnectionPendingAckWindow(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	// First sequence id seen seeds the window unconditionally.
	c.addPendingAck(0)
	require.Equal([]uint16{0}, c.pendingAcks)

	// Duplicates and ids older than the window head are ignored.
	c.addPendingAck(0)
	require.Equal([]uint16{0}, c.pendingAcks)

	for seq := uint16(1); seq <= 40; seq++ {
		c.addPendingAck(seq)
	}
	require.Len(c.pendingAcks, pendingAcksWindow)
	require.Equal(uint16(9), c.pendingAcks[0])
	require.Equal(uint16(40), c.pendingAcks[len(c.pendingAcks)-1])

	// Evicted ids do not come back.
	c.addPendingAck(5)
	require.Equal(uint16(9), c.pendingAcks[0])
}

func TestConnectionEndToEndReliable(t *testing.T) {
	require := require.New(t)

	server := testConnection(t)
	client := testConnection(t)
	server.SetConnected("p01")
	client.SetConnected("p01")

	server.SendMessage(1, []byte("one"))
	server.SendMessage(1, []byte("two"))

	packets := server.GetPacketsToSend()
	require.Len(packets, 1)

	// Deliver the frame to the client.
	for _, p := range packets {
		client.ProcessPacket(p)
	}

	m, ok := client.ReceiveMessage(1)
	require.True(ok)
	require.Equal("one", string(m))
	m, ok = client.ReceiveMessage(1)
	require.True(ok)
	require.Equal("two", string(m))
	_, ok = client.ReceiveMessage(1)
	require.False(ok)

	// The client has no payload traffic, so its ack goes out standalone.
	client.Update(time.Millisecond)
	ackPackets := client.GetPacketsToSend()
	require.Len(ackPackets, 1)
	parsed, err := FromBytes(ackPackets[0])
	require.NoError(err)
	_, isAck := parsed.(*Ack)
	require.True(isAck)

	// Delivering the ack clears the server's unacked queue.
	server.Update(50 * time.Millisecond)
	server.ProcessPacket(ackPackets[0])
	require.Equal(0, server.sendReliable.unacked.Len())
	require.Greater(server.RTT(), 0.0)

	// Nothing further to send, and the ack is not re-emitted.
	server.Update(time.Millisecond)
	require.Empty(server.GetPacketsToSend())
	require.Empty(client.GetPacketsToSend())
}

func TestConnectionPiggybackAck(t *testing.T) {
	require := require.New(t)

	server := testConnection(t)
	client := testConnection(t)
	server.SetConnected("p01")
	client.SetConnected("p01")

	server.SendMessage(1, []byte("ping"))
	for _, p := range server.GetPacketsToSend() {
		client.ProcessPacket(p)
	}

	// The client has reliable traffic of its own; the ack rides on it.
	client.SendMessage(1, []byte("pong"))
	packets := client.GetPacketsToSend()
	require.Len(packets, 1)
	parsed, err := FromBytes(packets[0])
	require.NoError(err)
	rel, ok := parsed.(*SmallReliable)
	require.True(ok)
	require.Equal(uint16(0), rel.AckedSeq)
	require.NotZero(rel.AckedMask & 1)

	server.ProcessPacket(packets[0])
	require.Equal(0, server.sendReliable.unacked.Len())
}

func TestConnectionRetransmission(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConnectionConfig()
	cfg.SendChannelsConfig[1].ResendTime = 200 * time.Millisecond
	c := NewConnection(cfg, testLogger(t))
	c.SetConnected("p01")

	c.SendMessage(1, make([]byte, 100))
	require.Len(c.GetPacketsToSend(), 1)

	// No ack yet; inside the resend window nothing is re-emitted.
	c.Update(100 * time.Millisecond)
	require.Empty(c.GetPacketsToSend())

	// Past the resend window it goes out again, with a fresh sequence id.
	c.Update(101 * time.Millisecond)
	packets := c.GetPacketsToSend()
	require.Len(packets, 1)
	parsed, err := FromBytes(packets[0])
	require.NoError(err)
	require.Equal(uint16(1), parsed.SequenceID())
}

func TestConnectionSequenceMonotonic(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	c.SetConnected("p01")

	var last int32 = -1
	for i := 0; i < 10; i++ {
		c.SendMessage(1, []byte("m"))
		packets := c.GetPacketsToSend()
		require.Len(packets, 1)
		parsed, err := FromBytes(packets[0])
		require.NoError(err)
		require.Equal(int32(last+1), int32(parsed.SequenceID()))
		last = int32(parsed.SequenceID())

		// Ack it so the next tick emits only the fresh message.
		ack := &Ack{ChannelID: 1, PacketType: 1, AckedSeq: parsed.SequenceID(), AckedMask: 1}
		var buf [MaxPacketBytes]byte
		n, err := ack.ToBytes(buf[:])
		require.NoError(err)
		c.ProcessPacket(buf[:n])
		c.Update(time.Second)
	}
}

func TestConnectionLostPacketReaping(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	c.SetConnected("p01")

	c.SendMessage(1, []byte("m"))
	require.Len(c.GetPacketsToSend(), 1)
	require.Equal(1, c.sentPackets.Len())

	c.Update(2 * time.Second)
	require.Equal(1, c.sentPackets.Len())

	c.Update(time.Second + time.Millisecond)
	require.Equal(0, c.sentPackets.Len())
}

func TestConnectionReceiveChannelOverflowDisconnects(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConnectionConfig()
	cfg.ReceiveChannelsConfig[1].MaxMemoryUsageBytes = 150
	c := NewConnection(cfg, testLogger(t))
	c.SetConnected("p01")

	p := &SmallReliable{
		ChannelID: 1,
		Sequence:  0,
		AckedSeq:  ^uint16(0),
		Messages: []ReliableMessage{
			{ID: 0, Payload: make([]byte, 100)},
			{ID: 1, Payload: make([]byte, 100)},
		},
	}
	var buf [MaxPacketBytes]byte
	n, err := p.ToBytes(buf[:])
	require.NoError(err)

	c.ProcessPacket(buf[:n])
	require.True(c.IsDisconnected())
	require.Equal(DisconnectReceiveChannelError, c.DisconnectReason().Code)
	require.Equal(uint8(1), c.DisconnectReason().ChannelID)

	// A terminated connection emits nothing further.
	require.Empty(c.GetPacketsToSend())
}

func TestConnectionMalformedPacketDisconnects(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	c.SetConnected("p01")

	c.ProcessPacket([]byte{77})
	require.True(c.IsDisconnected())
	require.Equal(DisconnectPacketDeserialization, c.DisconnectReason().Code)
}

func TestConnectionRTTSmoothing(t *testing.T) {
	require := require.New(t)

	c := testConnection(t)
	c.SetConnected("p01")

	sendAndAckAfter := func(delay time.Duration) {
		c.SendMessage(1, []byte("m"))
		packets := c.GetPacketsToSend()
		require.Len(packets, 1)
		parsed, err := FromBytes(packets[0])
		require.NoError(err)

		c.Update(delay)
		ack := &Ack{ChannelID: 1, PacketType: 1, AckedSeq: parsed.SequenceID(), AckedMask: 1}
		var buf [MaxPacketBytes]byte
		n, err := ack.ToBytes(buf[:])
		require.NoError(err)
		c.ProcessPacket(buf[:n])
	}

	// First sample initializes the estimate.
	sendAndAckAfter(100 * time.Millisecond)
	require.InDelta(0.1, c.RTT(), 1e-9)

	// Subsequent samples are folded in with alpha 0.125.
	sendAndAckAfter(200 * time.Millisecond)
	require.InDelta(0.1*0.875+0.2*0.125, c.RTT(), 1e-9)
}

func TestConnectionUnreliablePath(t *testing.T) {
	require := require.New(t)

	server := testConnection(t)
	client := testConnection(t)
	server.SetConnected("p01")
	client.SetConnected("p01")

	server.SendMessage(0, []byte("state"))
	packets := server.GetPacketsToSend()
	require.Len(packets, 1)

	client.ProcessPacket(packets[0])
	m, ok := client.ReceiveMessage(0)
	require.True(ok)
	require.Equal("state", string(m))

	// Unreliable traffic generates no acks.
	require.Empty(client.GetPacketsToSend())
}
