// reliable.go - Reliable-ordered message channels.
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

type unackedMessage struct {
	id       uint64
	payload  []byte
	lastSent time.Duration
	sent     bool

	node *avl.Node
}

// SendChannelReliable is the outbound side of a reliable-ordered channel.
// Messages stay queued until their ids are acknowledged, and are re-emitted
// no more often than the configured resend time.
type SendChannelReliable struct {
	log *logging.Logger

	channelID  uint8
	unacked    *avl.Tree // *unackedMessage, ordered by id
	unackedIDs map[uint64]*unackedMessage
	nextSeq    uint16
	nextMsgID  uint64
	resendTime time.Duration

	maxMemoryUsageBytes int
	memoryUsageBytes    int
}

// NewSendChannelReliable constructs a reliable send channel.
func NewSendChannelReliable(channelID uint8, resendTime time.Duration, maxMemoryUsageBytes int, log *logging.Logger) *SendChannelReliable {
	return &SendChannelReliable{
		log:       log,
		channelID: channelID,
		unacked: avl.New(func(a, b interface{}) int {
			idA, idB := a.(*unackedMessage).id, b.(*unackedMessage).id
			switch {
			case idA < idB:
				return -1
			case idA > idB:
				return 1
			default:
				return 0
			}
		}),
		unackedIDs:          make(map[uint64]*unackedMessage),
		resendTime:          resendTime,
		maxMemoryUsageBytes: maxMemoryUsageBytes,
	}
}

// AvailableMemory returns the channel's remaining memory budget in bytes.
func (c *SendChannelReliable) AvailableMemory() int {
	return c.maxMemoryUsageBytes - c.memoryUsageBytes
}

// CanSendMessage returns whether a message of the given size would be
// admitted.
func (c *SendChannelReliable) CanSendMessage(sizeBytes int) bool {
	return sizeBytes+c.memoryUsageBytes <= c.maxMemoryUsageBytes
}

// SendMessage queues message for delivery, assigning it the next message id.
func (c *SendChannelReliable) SendMessage(message []byte) error {
	if c.memoryUsageBytes+len(message) > c.maxMemoryUsageBytes {
		return ErrMaxMemoryReached
	}

	c.memoryUsageBytes += len(message)
	m := &unackedMessage{
		id:      c.nextMsgID,
		payload: message,
	}
	m.node = c.unacked.Insert(m)
	c.unackedIDs[m.id] = m
	c.nextMsgID++
	return nil
}

// GetPacketsToSend walks the unacked queue in id order and aggregates every
// message that fits the remaining byte budget and is due for (re)emission
// into SmallReliable frames.
func (c *SendChannelReliable) GetPacketsToSend(availableBytes *uint64, now time.Duration) []Packet {
	if c.unacked.Len() == 0 {
		return nil
	}

	var packets []Packet
	var msgs []ReliableMessage
	var msgsBytes int

	flush := func() {
		packets = append(packets, &SmallReliable{
			ChannelID: c.channelID,
			AckedSeq:  ^uint16(0),
			Sequence:  c.nextSeq,
			Messages:  msgs,
		})
		msgs = nil
		msgsBytes = 0
		c.nextSeq++
	}

	iter := c.unacked.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		m := node.Value.(*unackedMessage)
		if *availableBytes < uint64(len(m.payload)) {
			// No budget left for this message this tick.
			continue
		}
		if m.sent && now-m.lastSent < c.resendTime {
			continue
		}

		*availableBytes -= uint64(len(m.payload))

		serializedSize := reliableEntryOverhead + len(m.payload)
		if msgsBytes+serializedSize > MaxMessagesLength {
			flush()
		}
		msgsBytes += serializedSize
		msgs = append(msgs, ReliableMessage{ID: m.id, Payload: m.payload})
		m.lastSent = now
		m.sent = true
	}

	if len(msgs) > 0 {
		flush()
	}
	return packets
}

// ProcessMessageAck removes the acknowledged message, releasing its memory.
// Unknown ids are ignored.
func (c *SendChannelReliable) ProcessMessageAck(messageID uint64) {
	m, ok := c.unackedIDs[messageID]
	if !ok {
		return
	}
	c.log.Debugf("Message id %d acked on channel %d", messageID, c.channelID)
	c.unacked.Remove(m.node)
	delete(c.unackedIDs, messageID)
	c.memoryUsageBytes -= len(m.payload)
}

// ReceiveChannelReliable is the inbound side of a reliable-ordered channel.
// Messages are buffered until the id gap before them is filled and are
// delivered strictly in id order.
type ReceiveChannelReliable struct {
	messages        map[uint64][]byte
	oldestPendingID uint64

	maxMemoryUsageBytes int
	memoryUsageBytes    int
}

// NewReceiveChannelReliable constructs a reliable receive channel.
func NewReceiveChannelReliable(maxMemoryUsageBytes int) *ReceiveChannelReliable {
	return &ReceiveChannelReliable{
		messages:            make(map[uint64][]byte),
		maxMemoryUsageBytes: maxMemoryUsageBytes,
	}
}

// ProcessMessage buffers an inbound message.  Messages older than the
// delivery cursor and duplicates are discarded.  Exceeding the memory budget
// is fatal to the connection and is surfaced to the caller.
func (c *ReceiveChannelReliable) ProcessMessage(message []byte, messageID uint64) error {
	if messageID < c.oldestPendingID {
		// Already delivered.
		return nil
	}
	if _, ok := c.messages[messageID]; ok {
		return nil
	}
	if c.memoryUsageBytes+len(message) > c.maxMemoryUsageBytes {
		return ErrMaxMemoryReached
	}
	c.memoryUsageBytes += len(message)
	c.messages[messageID] = message
	return nil
}

// ReceiveMessage returns the next in-order message, or false when the next
// expected id has not arrived yet.
func (c *ReceiveChannelReliable) ReceiveMessage() ([]byte, bool) {
	message, ok := c.messages[c.oldestPendingID]
	if !ok {
		return nil, false
	}
	delete(c.messages, c.oldestPendingID)
	c.oldestPendingID++
	c.memoryUsageBytes -= len(message)
	return message, true
}
