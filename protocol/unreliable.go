// unreliable.go - Best-effort message channels.
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
	"gopkg.in/op/go-logging.v1"
)

// SendChannelUnreliable is the outbound side of a best-effort channel.
// Overflowing the memory budget or the per-tick byte budget drops messages.
type SendChannelUnreliable struct {
	log *logging.Logger

	channelID uint8
	messages  [][]byte

	maxMemoryUsageBytes int
	memoryUsageBytes    int
}

// NewSendChannelUnreliable constructs an unreliable send channel.
func NewSendChannelUnreliable(channelID uint8, maxMemoryUsageBytes int, log *logging.Logger) *SendChannelUnreliable {
	return &SendChannelUnreliable{
		log:                 log,
		channelID:           channelID,
		maxMemoryUsageBytes: maxMemoryUsageBytes,
	}
}

// AvailableMemory returns the channel's remaining memory budget in bytes.
func (c *SendChannelUnreliable) AvailableMemory() int {
	return c.maxMemoryUsageBytes - c.memoryUsageBytes
}

// CanSendMessage returns whether a message of the given size would be
// admitted.
func (c *SendChannelUnreliable) CanSendMessage(sizeBytes int) bool {
	return sizeBytes+c.memoryUsageBytes <= c.maxMemoryUsageBytes
}

// SendMessage queues message for delivery, dropping it if the channel is
// memory limited.
func (c *SendChannelUnreliable) SendMessage(message []byte) {
	if c.memoryUsageBytes+len(message) > c.maxMemoryUsageBytes {
		c.log.Warningf("Dropped unreliable message sent because channel %d is memory limited", c.channelID)
		return
	}
	if len(message) > MaxMessagesLength {
		c.log.Errorf("Sending a message longer than %d is prohibited, attempted message size: %d", MaxMessagesLength, len(message))
		return
	}

	c.memoryUsageBytes += len(message)
	c.messages = append(c.messages, message)
}

// GetPacketsToSend drains the queue, dropping messages over the remaining
// byte budget and aggregating the rest into SmallUnreliable frames.
func (c *SendChannelUnreliable) GetPacketsToSend(availableBytes *uint64) []Packet {
	var packets []Packet
	var msgs [][]byte
	var msgsBytes int

	for _, message := range c.messages {
		c.memoryUsageBytes -= len(message)
		if *availableBytes < uint64(len(message)) {
			// Unreliable: over budget messages are dropped.
			continue
		}
		*availableBytes -= uint64(len(message))

		serializedSize := unreliableEntryOverhead + len(message)
		if msgsBytes+serializedSize > MaxMessagesLength {
			packets = append(packets, &SmallUnreliable{ChannelID: c.channelID, Messages: msgs})
			msgs = nil
			msgsBytes = 0
		}
		msgsBytes += serializedSize
		msgs = append(msgs, message)
	}
	c.messages = c.messages[:0]

	if len(msgs) > 0 {
		packets = append(packets, &SmallUnreliable{ChannelID: c.channelID, Messages: msgs})
	}
	return packets
}

// ReceiveChannelUnreliable is the inbound side of a best-effort channel.
type ReceiveChannelUnreliable struct {
	log *logging.Logger

	channelID uint8
	messages  [][]byte

	maxMemoryUsageBytes int
	memoryUsageBytes    int
}

// NewReceiveChannelUnreliable constructs an unreliable receive channel.
func NewReceiveChannelUnreliable(channelID uint8, maxMemoryUsageBytes int, log *logging.Logger) *ReceiveChannelUnreliable {
	return &ReceiveChannelUnreliable{
		log:                 log,
		channelID:           channelID,
		maxMemoryUsageBytes: maxMemoryUsageBytes,
	}
}

// ProcessMessage buffers an inbound message, dropping it if the channel is
// memory limited.
func (c *ReceiveChannelUnreliable) ProcessMessage(message []byte) {
	if c.memoryUsageBytes+len(message) > c.maxMemoryUsageBytes {
		c.log.Warningf("Dropped unreliable message received because channel %d is memory limited", c.channelID)
		return
	}
	c.memoryUsageBytes += len(message)
	c.messages = append(c.messages, message)
}

// ReceiveMessage returns the oldest buffered message, or false when the
// channel is empty.
func (c *ReceiveChannelUnreliable) ReceiveMessage() ([]byte, bool) {
	if len(c.messages) == 0 {
		return nil, false
	}
	message := c.messages[0]
	c.messages = c.messages[1:]
	c.memoryUsageBytes -= len(message)
	return message, true
}
