// packet.go - Transport-level wire frames.
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

// Package transport implements the UDP transport of the game server: the
// datagram framing, the connection handshake and slot table, the session
// ticket authentication and the session dispatcher.
package transport

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

const (
	// MaxPacketBytes is the maximum size of a datagram.
	MaxPacketBytes = 1400

	// MaxPayloadBytes is the maximum size of the payload wrapped in a Data
	// frame.
	MaxPayloadBytes = 1300

	// PlayerIDLength is the fixed wire size of a player identity,
	// null-padded UTF-8.
	PlayerIDLength = 16

	packetTypeData              = 1
	packetTypeDisconnect        = 2
	packetTypeKeepAlive         = 3
	packetTypeConnectionRequest = 85
	packetTypeCreateSession     = 100
)

// Packet is a transport-level datagram frame.
type Packet interface {
	// Encode serializes the frame, including its type prefix, into b.
	Encode(b []byte) (int, error)
}

// ConnectionRequest opens the handshake.  The client sends it with SideID 1
// and the server echoes it back with SideID 2.
type ConnectionRequest struct {
	Prefix   [3]byte
	SideID   uint8
	ClientID uint64
}

// KeepAlive refreshes the connection liveness timers.
type KeepAlive struct {
	ClientID uint64
}

// Data wraps a channel-level payload.
type Data struct {
	ClientID uint64
	Payload  []byte
}

// Disconnect terminates the connection.
type Disconnect struct {
	ClientID uint64
}

// CreateSession asks the server to spin up a session for the given roster.
// Reserved for the trusted control plane.
type CreateSession struct {
	ClientID  uint64
	SessionID uint32
	PlayerIDs []string
}

// Encode implements Packet.
func (p *ConnectionRequest) Encode(b []byte) (int, error) {
	if len(b) < 13 {
		return 0, ErrBufferTooShort
	}
	b[0] = packetTypeConnectionRequest
	copy(b[1:], p.Prefix[:])
	b[4] = p.SideID
	binary.LittleEndian.PutUint64(b[5:], p.ClientID)
	return 13, nil
}

// Encode implements Packet.
func (p *KeepAlive) Encode(b []byte) (int, error) {
	return encodeClientIDOnly(packetTypeKeepAlive, p.ClientID, b)
}

// Encode implements Packet.
func (p *Disconnect) Encode(b []byte) (int, error) {
	return encodeClientIDOnly(packetTypeDisconnect, p.ClientID, b)
}

// Encode implements Packet.
func (p *Data) Encode(b []byte) (int, error) {
	if len(b) < 9+len(p.Payload) {
		return 0, ErrBufferTooShort
	}
	b[0] = packetTypeData
	binary.LittleEndian.PutUint64(b[1:], p.ClientID)
	copy(b[9:], p.Payload)
	return 9 + len(p.Payload), nil
}

// Encode implements Packet.
func (p *CreateSession) Encode(b []byte) (int, error) {
	n := 15 + len(p.PlayerIDs)*PlayerIDLength
	if len(b) < n {
		return 0, ErrBufferTooShort
	}
	b[0] = packetTypeCreateSession
	binary.LittleEndian.PutUint64(b[1:], p.ClientID)
	binary.LittleEndian.PutUint32(b[9:], p.SessionID)
	binary.LittleEndian.PutUint16(b[13:], uint16(len(p.PlayerIDs)))
	off := 15
	for _, id := range p.PlayerIDs {
		var padded [PlayerIDLength]byte
		copy(padded[:], id)
		copy(b[off:], padded[:])
		off += PlayerIDLength
	}
	return off, nil
}

func encodeClientIDOnly(packetType byte, clientID uint64, b []byte) (int, error) {
	if len(b) < 9 {
		return 0, ErrBufferTooShort
	}
	b[0] = packetType
	binary.LittleEndian.PutUint64(b[1:], clientID)
	return 9, nil
}

// Decode parses a transport-level frame.
func Decode(b []byte) (Packet, error) {
	if len(b) < 1 {
		return nil, ErrPacketTooSmall
	}

	body := b[1:]
	switch b[0] {
	case packetTypeData:
		if len(body) < 8 {
			return nil, ErrPacketTooSmall
		}
		payload := make([]byte, len(body)-8)
		copy(payload, body[8:])
		return &Data{
			ClientID: binary.LittleEndian.Uint64(body),
			Payload:  payload,
		}, nil
	case packetTypeConnectionRequest:
		if len(body) < 12 {
			return nil, ErrPacketTooSmall
		}
		p := &ConnectionRequest{
			SideID:   body[3],
			ClientID: binary.LittleEndian.Uint64(body[4:]),
		}
		copy(p.Prefix[:], body[:3])
		return p, nil
	case packetTypeKeepAlive:
		if len(body) < 8 {
			return nil, ErrPacketTooSmall
		}
		return &KeepAlive{ClientID: binary.LittleEndian.Uint64(body)}, nil
	case packetTypeDisconnect:
		if len(body) < 8 {
			return nil, ErrPacketTooSmall
		}
		return &Disconnect{ClientID: binary.LittleEndian.Uint64(body)}, nil
	case packetTypeCreateSession:
		if len(body) < 14 {
			return nil, ErrPacketTooSmall
		}
		count := int(binary.LittleEndian.Uint16(body[12:]))
		off := 14
		if len(body) < off+count*PlayerIDLength {
			return nil, ErrPacketTooSmall
		}
		playerIDs := make([]string, 0, count)
		for i := 0; i < count; i++ {
			id, err := TrimPlayerID(body[off : off+PlayerIDLength])
			if err != nil {
				return nil, err
			}
			playerIDs = append(playerIDs, id)
			off += PlayerIDLength
		}
		return &CreateSession{
			ClientID:  binary.LittleEndian.Uint64(body),
			SessionID: binary.LittleEndian.Uint32(body[8:]),
			PlayerIDs: playerIDs,
		}, nil
	default:
		return nil, ErrInvalidPacketType
	}
}

// TrimPlayerID converts a fixed-width null-padded player id to its string
// form.
func TrimPlayerID(b []byte) (string, error) {
	trimmed := strings.TrimRight(string(b), "\x00")
	if !utf8.ValidString(trimmed) {
		return "", ErrInvalidPlayerID
	}
	return trimmed, nil
}
