// connection.go - Per-client connection state.
// Copyright (C) 2024  The Denaria Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package protocol

import (
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"
)

const (
	// MaxPacketBytes is the size of the datagram scratch buffer a serialized
	// frame must fit into.
	MaxPacketBytes = 1400

	pendingAcksWindow = 32
	discardAfter      = 3 * time.Second
	rttSmoothing      = 0.125
)

// ConnectionConfig configures a per-client connection.
type ConnectionConfig struct {
	// AvailableBytesPerTick is the byte budget consumed in channel priority
	// order on each send tick.  The default of 60000 at 60Hz is 28.8 Mbps.
	AvailableBytesPerTick uint64

	// SendChannelsConfig are the outbound channels: index 0 is the
	// unreliable channel, index 1 the reliable-ordered one.  Send priority
	// is fixed (reliable first) and does not follow the slice order.
	SendChannelsConfig []ChannelConfig

	// ReceiveChannelsConfig are the inbound channels, with the same index
	// layout.
	ReceiveChannelsConfig []ChannelConfig
}

// DefaultConnectionConfig returns the connection configuration used by the
// server unless overridden.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		AvailableBytesPerTick: 60000,
		SendChannelsConfig:    DefaultChannelsConfig(),
		ReceiveChannelsConfig: DefaultChannelsConfig(),
	}
}

type connectionStatus int

const (
	statusConnecting connectionStatus = iota
	statusConnected
	statusDisconnected
)

type packetSent struct {
	sequence   uint16
	sentAt     time.Duration
	messageIDs []uint64

	node *avl.Node
}

type channelOrder struct {
	sendType  SendType
	channelID uint8
}

// NetworkInfo describes the observed statistics of a connection.
type NetworkInfo struct {
	// RTT is the smoothed round-trip time in seconds.
	RTT float64

	// PacketLoss is the windowed loss ratio.
	PacketLoss float64

	BytesSentPerSecond     float64
	BytesReceivedPerSecond float64
}

// Connection holds the sequence space, acknowledgement state and message
// channels for one remote client.
type Connection struct {
	log *logging.Logger

	currentTime     time.Duration
	sentPackets     *avl.Tree // *packetSent ordered by send time, then sequence
	sentSequences   map[uint16]*packetSent
	pendingAcks     []uint16 // ascending in wrapping order, most recent pendingAcksWindow peer sequence ids
	newAckToSend    bool
	ackProcessStart time.Time

	channelSendOrder  []channelOrder
	sendUnreliable    *SendChannelUnreliable
	receiveUnreliable *ReceiveChannelUnreliable
	sendReliable      *SendChannelReliable
	receiveReliable   *ReceiveChannelReliable

	stats                 *ConnectionStats
	availableBytesPerTick uint64

	status   connectionStatus
	reason   *DisconnectReason
	rtt      float64
	playerID string
}

// NewConnection constructs a connection from the configuration.  The fixed
// channel layout is channel 0 unreliable, channel 1 reliable-ordered, with
// the reliable channel taking send priority.
func NewConnection(cfg ConnectionConfig, log *logging.Logger) *Connection {
	sendUnreliableCfg := cfg.SendChannelsConfig[0]
	sendReliableCfg := cfg.SendChannelsConfig[1]
	recvUnreliableCfg := cfg.ReceiveChannelsConfig[0]
	recvReliableCfg := cfg.ReceiveChannelsConfig[1]

	c := &Connection{
		log: log,
		sentPackets: avl.New(func(a, b interface{}) int {
			pa, pb := a.(*packetSent), b.(*packetSent)
			switch {
			case pa.sentAt < pb.sentAt:
				return -1
			case pa.sentAt > pb.sentAt:
				return 1
			case pa.sequence < pb.sequence:
				return -1
			case pa.sequence > pb.sequence:
				return 1
			default:
				return 0
			}
		}),
		sentSequences: make(map[uint16]*packetSent),
		pendingAcks:   make([]uint16, 0, pendingAcksWindow),
		channelSendOrder: []channelOrder{
			{sendType: SendReliableOrdered, channelID: sendReliableCfg.ChannelID},
			{sendType: SendUnreliable, channelID: sendUnreliableCfg.ChannelID},
		},
		sendUnreliable:        NewSendChannelUnreliable(sendUnreliableCfg.ChannelID, sendUnreliableCfg.MaxMemoryUsageBytes, log),
		receiveUnreliable:     NewReceiveChannelUnreliable(recvUnreliableCfg.ChannelID, recvUnreliableCfg.MaxMemoryUsageBytes, log),
		sendReliable:          NewSendChannelReliable(sendReliableCfg.ChannelID, sendReliableCfg.ResendTime, sendReliableCfg.MaxMemoryUsageBytes, log),
		receiveReliable:       NewReceiveChannelReliable(recvReliableCfg.MaxMemoryUsageBytes),
		stats:                 NewConnectionStats(),
		availableBytesPerTick: cfg.AvailableBytesPerTick,
		status:                statusConnecting,
	}
	return c
}

// RTT returns the smoothed round-trip time of the connection in seconds.
func (c *Connection) RTT() float64 { return c.rtt }

// PacketLoss returns the windowed packet loss of the connection.
func (c *Connection) PacketLoss() float64 { return c.stats.PacketLoss() }

// BytesSentPerSec returns the windowed outbound rate.
func (c *Connection) BytesSentPerSec() float64 {
	return c.stats.BytesSentPerSecond(c.currentTime)
}

// BytesReceivedPerSec returns the windowed inbound rate.
func (c *Connection) BytesReceivedPerSec() float64 {
	return c.stats.BytesReceivedPerSecond(c.currentTime)
}

// NetworkInfo returns all observed statistics of the connection.
func (c *Connection) NetworkInfo() NetworkInfo {
	return NetworkInfo{
		RTT:                    c.rtt,
		PacketLoss:             c.stats.PacketLoss(),
		BytesSentPerSecond:     c.stats.BytesSentPerSecond(c.currentTime),
		BytesReceivedPerSecond: c.stats.BytesReceivedPerSecond(c.currentTime),
	}
}

// IsConnected returns whether the connection is established.
func (c *Connection) IsConnected() bool { return c.status == statusConnected }

// IsConnecting returns whether the connection is mid-handshake.
func (c *Connection) IsConnecting() bool { return c.status == statusConnecting }

// IsDisconnected returns whether the connection was terminated.
func (c *Connection) IsDisconnected() bool { return c.status == statusDisconnected }

// DisconnectReason returns the termination reason, or nil while the
// connection is live.
func (c *Connection) DisconnectReason() *DisconnectReason { return c.reason }

// PlayerID returns the authenticated player identity bound to the
// connection.
func (c *Connection) PlayerID() string { return c.playerID }

// SetConnected marks the connection established, binding the player
// identity.  A disconnected connection is not reusable and stays terminated.
func (c *Connection) SetConnected(playerID string) {
	if c.status != statusDisconnected {
		c.status = statusConnected
		c.playerID = playerID
	}
}

// SetConnecting marks the connection mid-handshake.
func (c *Connection) SetConnecting() {
	if c.status != statusDisconnected {
		c.status = statusConnecting
	}
}

// Disconnect terminates the connection at the peer's request.
func (c *Connection) Disconnect() {
	c.DisconnectWithReason(&DisconnectReason{Code: DisconnectedByClient})
}

// DisconnectDueToTransport terminates the connection because of a transport
// layer failure.
func (c *Connection) DisconnectDueToTransport() {
	c.DisconnectWithReason(&DisconnectReason{Code: DisconnectedByTransport})
}

// DisconnectWithReason terminates the connection.  Already terminated
// connections are left untouched.
func (c *Connection) DisconnectWithReason(reason *DisconnectReason) {
	if c.status != statusDisconnected {
		c.status = statusDisconnected
		c.reason = reason
		c.log.Debugf("Connection terminated: %v", reason)
	}
}

// ChannelAvailableMemory returns the remaining memory budget of a send
// channel.
func (c *Connection) ChannelAvailableMemory(channelID uint8) int {
	switch channelID {
	case 0:
		return c.sendUnreliable.AvailableMemory()
	case 1:
		return c.sendReliable.AvailableMemory()
	default:
		panic("protocol: ChannelAvailableMemory with invalid channel")
	}
}

// CanSendMessage returns whether a send channel would admit a message of the
// given size.
func (c *Connection) CanSendMessage(channelID uint8, sizeBytes int) bool {
	switch channelID {
	case 0:
		return c.sendUnreliable.CanSendMessage(sizeBytes)
	case 1:
		return c.sendReliable.CanSendMessage(sizeBytes)
	default:
		panic("protocol: CanSendMessage with invalid channel")
	}
}

// SendMessage queues a message on a channel.  A reliable admission failure
// terminates the connection.
func (c *Connection) SendMessage(channelID uint8, message []byte) {
	if c.IsDisconnected() {
		return
	}

	switch channelID {
	case 0:
		c.sendUnreliable.SendMessage(message)
	case 1:
		if err := c.sendReliable.SendMessage(message); err != nil {
			c.DisconnectWithReason(&DisconnectReason{
				Code:      DisconnectSendChannelError,
				ChannelID: channelID,
				Err:       err,
			})
		}
	default:
		panic("protocol: SendMessage with invalid channel")
	}
}

// ReceiveMessage pulls the next delivered message from a channel.
func (c *Connection) ReceiveMessage(channelID uint8) ([]byte, bool) {
	if c.IsDisconnected() {
		return nil, false
	}

	switch channelID {
	case 0:
		return c.receiveUnreliable.ReceiveMessage()
	case 1:
		return c.receiveReliable.ReceiveMessage()
	default:
		panic("protocol: ReceiveMessage with invalid channel")
	}
}

// Update advances the connection clock by dt and reaps packets that were
// never acknowledged within the discard threshold.
func (c *Connection) Update(dt time.Duration) {
	c.currentTime += dt
	c.stats.Update(c.currentTime)

	// Walk in emission order; once a packet is inside the discard window
	// every later one is too.
	iter := c.sentPackets.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		sent := node.Value.(*packetSent)
		if c.currentTime-sent.sentAt < discardAfter {
			break
		}
		c.sentPackets.Remove(node)
		delete(c.sentSequences, sent.sequence)
	}
}

// ProcessPacket parses one channel-level frame received from the peer and
// feeds it to the receive channels and the acknowledgement state.
func (c *Connection) ProcessPacket(b []byte) {
	if c.IsDisconnected() {
		return
	}

	c.stats.ReceivedPacket(uint64(len(b)))
	packet, err := FromBytes(b)
	if err != nil {
		c.DisconnectWithReason(&DisconnectReason{
			Code: DisconnectPacketDeserialization,
			Err:  err,
		})
		return
	}

	switch p := packet.(type) {
	case *SmallReliable:
		c.addPendingAck(p.Sequence)
		c.processAcks(p.AckedSeq, p.AckedMask)
		for _, m := range p.Messages {
			if err := c.receiveReliable.ProcessMessage(m.Payload, m.ID); err != nil {
				c.DisconnectWithReason(&DisconnectReason{
					Code:      DisconnectReceiveChannelError,
					ChannelID: p.ChannelID,
					Err:       err,
				})
				return
			}
		}
	case *SmallUnreliable:
		for _, m := range p.Messages {
			c.receiveUnreliable.ProcessMessage(m)
		}
	case *Ack:
		c.processAcks(p.AckedSeq, p.AckedMask)
	}
}

func (c *Connection) processAcks(ackedSeq uint16, ackedMask uint32) {
	// Expanding the mask bounds the work; arbitrary ack ranges from the
	// peer cannot be made expensive.
	for _, sequence := range AckedPacketIDs(ackedSeq, ackedMask) {
		sent, ok := c.sentSequences[sequence]
		if !ok {
			continue
		}
		c.sentPackets.Remove(sent.node)
		delete(c.sentSequences, sequence)
		c.stats.AckedPacket(sent.sentAt, c.currentTime)

		sample := (c.currentTime - sent.sentAt).Seconds()
		if c.rtt == 0.0 {
			c.rtt = sample
		} else {
			c.rtt = c.rtt*(1.0-rttSmoothing) + sample*rttSmoothing
		}

		for _, messageID := range sent.messageIDs {
			c.sendReliable.ProcessMessageAck(messageID)
		}
	}
}

// GetPacketsToSend produces this tick's serialized datagram payloads,
// consuming the per-tick byte budget in channel priority order.
func (c *Connection) GetPacketsToSend() [][]byte {
	if c.IsDisconnected() {
		return nil
	}

	var packets []Packet
	availableBytes := c.availableBytesPerTick
	for _, order := range c.channelSendOrder {
		switch order.sendType {
		case SendReliableOrdered:
			packets = append(packets, c.sendReliable.GetPacketsToSend(&availableBytes, c.currentTime)...)
		case SendUnreliable:
			packets = append(packets, c.sendUnreliable.GetPacketsToSend(&availableBytes)...)
		}
	}

	reliableSent := false
	for _, packet := range packets {
		p, ok := packet.(*SmallReliable)
		if !ok {
			continue
		}
		reliableSent = true

		// Piggyback the pending acknowledgement window.
		if ackedSeq, ackedMask, ok := c.createAckBytes(); ok {
			p.AckedSeq = ackedSeq
			p.AckedMask = ackedMask
			p.ProcessTime = c.ackProcessTime()
			c.newAckToSend = false
		}

		messageIDs := make([]uint64, 0, len(p.Messages))
		for _, m := range p.Messages {
			messageIDs = append(messageIDs, m.ID)
		}
		sent := &packetSent{
			sequence:   p.Sequence,
			sentAt:     c.currentTime,
			messageIDs: messageIDs,
		}
		sent.node = c.sentPackets.Insert(sent)
		c.sentSequences[p.Sequence] = sent
	}

	if c.newAckToSend && !reliableSent {
		if ackedSeq, ackedMask, ok := c.createAckBytes(); ok {
			packets = append(packets, &Ack{
				ChannelID:   1,
				PacketType:  1,
				ProcessTime: c.ackProcessTime(),
				AckedSeq:    ackedSeq,
				AckedMask:   ackedMask,
			})
			c.newAckToSend = false
		}
	}

	var buffer [MaxPacketBytes]byte
	serialized := make([][]byte, 0, len(packets))
	var bytesSent uint64
	for _, packet := range packets {
		n, err := packet.ToBytes(buffer[:])
		if err != nil {
			c.DisconnectWithReason(&DisconnectReason{
				Code: DisconnectPacketSerialization,
				Err:  err,
			})
			return nil
		}
		bytesSent += uint64(n)
		out := make([]byte, n)
		copy(out, buffer[:n])
		serialized = append(serialized, out)
	}

	c.stats.SentPackets(len(serialized), bytesSent)
	return serialized
}

func (c *Connection) ackProcessTime() uint16 {
	ms := time.Since(c.ackProcessStart).Milliseconds()
	if ms > int64(^uint16(0)) {
		return ^uint16(0)
	}
	return uint16(ms)
}

func (c *Connection) addPendingAck(sequence uint16) {
	if len(c.pendingAcks) > 0 {
		if int16(sequence-c.pendingAcks[0]) <= 0 || c.containsPendingAck(sequence) {
			return
		}
	}
	if !c.newAckToSend {
		c.ackProcessStart = time.Now()
	}
	c.newAckToSend = true
	if len(c.pendingAcks) >= pendingAcksWindow {
		c.pendingAcks = c.pendingAcks[1:]
	}
	idx := len(c.pendingAcks)
	for i, pending := range c.pendingAcks {
		if int16(pending-sequence) > 0 {
			idx = i
			break
		}
	}
	c.pendingAcks = append(c.pendingAcks, 0)
	copy(c.pendingAcks[idx+1:], c.pendingAcks[idx:])
	c.pendingAcks[idx] = sequence
}

func (c *Connection) containsPendingAck(sequence uint16) bool {
	for _, pending := range c.pendingAcks {
		if pending == sequence {
			return true
		}
	}
	return false
}

// createAckBytes encodes the pending-ack window as an anchor sequence id and
// a 32-bit mask where bit i covers anchor-i.
func (c *Connection) createAckBytes() (uint16, uint32, bool) {
	if len(c.pendingAcks) == 0 {
		return 0, 0, false
	}
	anchor := c.pendingAcks[len(c.pendingAcks)-1]
	var mask uint32
	for i := 0; i < pendingAcksWindow; i++ {
		if c.containsPendingAck(anchor - uint16(i)) {
			mask |= 1 << uint(i)
		}
	}
	return anchor, mask, true
}

// AckedPacketIDs expands an (anchor, mask) acknowledgement into the set of
// acknowledged sequence ids.
func AckedPacketIDs(ackedSeq uint16, ackedMask uint32) []uint16 {
	var acked []uint16
	for i := 0; i < pendingAcksWindow; i++ {
		if ackedMask&(1<<uint(i)) != 0 {
			acked = append(acked, ackedSeq-uint16(i))
		}
	}
	return acked
}
