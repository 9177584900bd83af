// packet.go - Channel-level wire frames.
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

// Package protocol implements the channel layer of the game transport: the
// aggregated wire frames, the reliable and unreliable message channels and
// the per-client connection state.
package protocol

import (
	"encoding/binary"
)

const (
	// MaxMessagesLength is the maximum number of aggregated message bytes
	// that fit in a single frame.
	MaxMessagesLength = 1200

	// MaxPayloadBytes is the maximum size of a serialized frame.
	MaxPayloadBytes = 1300

	smallReliableOverhead   = 15 // channel + type + process time + seq + acked seq + mask + count
	smallUnreliableOverhead = 3  // channel + count
	ackFrameLength          = 14
	reliableEntryOverhead   = 10 // message id + length prefix
	unreliableEntryOverhead = 2  // length prefix
)

// Packet is a channel-level wire frame.
type Packet interface {
	// SequenceID returns the frame's sequence id, or 0 for frames that do
	// not carry one.
	SequenceID() uint16

	// ToBytes serializes the frame into b, returning the number of bytes
	// written.
	ToBytes(b []byte) (int, error)
}

// ReliableMessage is a message id and payload pair carried by a
// SmallReliable frame.
type ReliableMessage struct {
	ID      uint64
	Payload []byte
}

// SmallUnreliable aggregates unreliable messages on one channel.
type SmallUnreliable struct {
	ChannelID uint8
	Messages  [][]byte
}

// SmallReliable aggregates reliable messages on one channel, carrying the
// frame sequence id and a piggybacked acknowledgement.
type SmallReliable struct {
	ChannelID   uint8
	PacketType  uint16
	ProcessTime uint16
	Sequence    uint16
	AckedSeq    uint16
	AckedMask   uint32
	Messages    []ReliableMessage
}

// Ack is a standalone acknowledgement frame.
type Ack struct {
	ChannelID   uint8
	PacketType  uint16
	ProcessTime uint16
	Sequence    uint16
	AckedSeq    uint16
	AckedMask   uint32
	EndPostfix  uint8
}

// SequenceID implements Packet.
func (p *SmallUnreliable) SequenceID() uint16 { return 0 }

// SequenceID implements Packet.
func (p *SmallReliable) SequenceID() uint16 { return p.Sequence }

// SequenceID implements Packet.
func (p *Ack) SequenceID() uint16 { return p.Sequence }

// ToBytes implements Packet.
func (p *SmallUnreliable) ToBytes(b []byte) (int, error) {
	n := smallUnreliableOverhead
	for _, m := range p.Messages {
		n += unreliableEntryOverhead + len(m)
	}
	if len(b) < n {
		return 0, ErrBufferTooShort
	}

	b[0] = p.ChannelID
	binary.LittleEndian.PutUint16(b[1:], uint16(len(p.Messages)))
	off := 3
	for _, m := range p.Messages {
		binary.LittleEndian.PutUint16(b[off:], uint16(len(m)))
		off += 2
		copy(b[off:], m)
		off += len(m)
	}
	return off, nil
}

// ToBytes implements Packet.
func (p *SmallReliable) ToBytes(b []byte) (int, error) {
	n := smallReliableOverhead
	for _, m := range p.Messages {
		n += reliableEntryOverhead + len(m.Payload)
	}
	if len(b) < n {
		return 0, ErrBufferTooShort
	}

	b[0] = p.ChannelID
	binary.LittleEndian.PutUint16(b[1:], p.PacketType)
	binary.LittleEndian.PutUint16(b[3:], p.ProcessTime)
	binary.LittleEndian.PutUint16(b[5:], p.Sequence)
	binary.LittleEndian.PutUint16(b[7:], p.AckedSeq)
	binary.LittleEndian.PutUint32(b[9:], p.AckedMask)
	binary.LittleEndian.PutUint16(b[13:], uint16(len(p.Messages)))
	off := 15
	for _, m := range p.Messages {
		binary.LittleEndian.PutUint64(b[off:], m.ID)
		off += 8
		binary.LittleEndian.PutUint16(b[off:], uint16(len(m.Payload)))
		off += 2
		copy(b[off:], m.Payload)
		off += len(m.Payload)
	}
	return off, nil
}

// ToBytes implements Packet.
func (p *Ack) ToBytes(b []byte) (int, error) {
	if len(b) < ackFrameLength {
		return 0, ErrBufferTooShort
	}

	b[0] = p.ChannelID
	binary.LittleEndian.PutUint16(b[1:], p.PacketType)
	binary.LittleEndian.PutUint16(b[3:], p.ProcessTime)
	binary.LittleEndian.PutUint16(b[5:], p.Sequence)
	binary.LittleEndian.PutUint16(b[7:], p.AckedSeq)
	binary.LittleEndian.PutUint32(b[9:], p.AckedMask)
	b[13] = p.EndPostfix
	return ackFrameLength, nil
}

// FromBytes parses a channel-level frame.
func FromBytes(b []byte) (Packet, error) {
	if len(b) < 1 {
		return nil, ErrBufferTooShort
	}

	channelID := b[0]
	switch channelID {
	case 0:
		return parseSmallUnreliable(channelID, b[1:])
	case 1:
		return parseReliableFamily(channelID, b[1:])
	default:
		return nil, ErrInvalidChannelID
	}
}

func parseSmallUnreliable(channelID uint8, b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, ErrBufferTooShort
	}
	count := binary.LittleEndian.Uint16(b)
	off := 2

	msgs := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		if len(b) < off+2 {
			return nil, ErrBufferTooShort
		}
		mLen := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
		if len(b) < off+mLen {
			return nil, ErrBufferTooShort
		}
		m := make([]byte, mLen)
		copy(m, b[off:off+mLen])
		off += mLen
		msgs = append(msgs, m)
	}
	return &SmallUnreliable{ChannelID: channelID, Messages: msgs}, nil
}

func parseReliableFamily(channelID uint8, b []byte) (Packet, error) {
	if len(b) < 12 {
		return nil, ErrBufferTooShort
	}
	packetType := binary.LittleEndian.Uint16(b)
	processTime := binary.LittleEndian.Uint16(b[2:])
	sequence := binary.LittleEndian.Uint16(b[4:])
	ackedSeq := binary.LittleEndian.Uint16(b[6:])
	ackedMask := binary.LittleEndian.Uint32(b[8:])
	off := 12

	switch packetType {
	case 0:
		if len(b) < off+2 {
			return nil, ErrBufferTooShort
		}
		count := binary.LittleEndian.Uint16(b[off:])
		off += 2
		msgs := make([]ReliableMessage, 0, count)
		for i := 0; i < int(count); i++ {
			if len(b) < off+10 {
				return nil, ErrBufferTooShort
			}
			id := binary.LittleEndian.Uint64(b[off:])
			mLen := int(binary.LittleEndian.Uint16(b[off+8:]))
			off += 10
			if len(b) < off+mLen {
				return nil, ErrBufferTooShort
			}
			m := make([]byte, mLen)
			copy(m, b[off:off+mLen])
			off += mLen
			msgs = append(msgs, ReliableMessage{ID: id, Payload: m})
		}
		return &SmallReliable{
			ChannelID:   channelID,
			PacketType:  packetType,
			ProcessTime: processTime,
			Sequence:    sequence,
			AckedSeq:    ackedSeq,
			AckedMask:   ackedMask,
			Messages:    msgs,
		}, nil
	case 1:
		if len(b) < off+1 {
			return nil, ErrBufferTooShort
		}
		return &Ack{
			ChannelID:   channelID,
			PacketType:  packetType,
			ProcessTime: processTime,
			Sequence:    sequence,
			AckedSeq:    ackedSeq,
			AckedMask:   ackedMask,
			EndPostfix:  b[off],
		}, nil
	default:
		return nil, ErrInvalidPacketType
	}
}
