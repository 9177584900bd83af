// message_in.go - Inbound application message framing.
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

// Package session implements the per-match worker: the game-facing server
// facade over the per-client connections and the application message
// framing.
package session

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrMessageTooShort is the error returned when an application message is
// too short for its type.
var ErrMessageTooShort = errors.New("session: message too short")

// Vec3 is a three component vector.
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 is a four component vector.
type Vec4 struct {
	X, Y, Z, W float32
}

// MessageInType enumerates the inbound application message types.
type MessageInType uint8

const (
	// MessageInSpawn requests a player spawn.
	MessageInSpawn MessageInType = 0

	// MessageInMove carries a movement input.
	MessageInMove MessageInType = 2

	// MessageInRotation carries a look rotation.
	MessageInRotation MessageInType = 3

	// MessageInJump carries a jump input.
	MessageInJump MessageInType = 4

	// MessageInFire carries a fire input.
	MessageInFire MessageInType = 5

	// MessageInInvalid marks an unrecognized message type.
	MessageInInvalid MessageInType = 99
)

func messageInTypeFromByte(b uint8) MessageInType {
	switch MessageInType(b) {
	case MessageInSpawn, MessageInMove, MessageInRotation, MessageInJump, MessageInFire:
		return MessageInType(b)
	default:
		return MessageInInvalid
	}
}

// MessageIn is one decoded application message from a client.
type MessageIn struct {
	Type     MessageInType
	Data     []byte
	PlayerID string
}

// NewMessageIn frames an application message received over a channel.
func NewMessageIn(b []byte, playerID string) (*MessageIn, error) {
	if len(b) < 1 {
		return nil, ErrMessageTooShort
	}
	return &MessageIn{
		Type:     messageInTypeFromByte(b[0]),
		Data:     b[1:],
		PlayerID: playerID,
	}, nil
}

// MoveEvent is a 2D movement input.
type MoveEvent struct {
	PlayerID string
	X, Y     float32
}

// LookEvent is a look rotation input.
type LookEvent struct {
	PlayerID  string
	Direction Vec4
}

// JumpEvent is a jump input.
type JumpEvent struct {
	PlayerID string
}

// SpawnEvent is a spawn request.
type SpawnEvent struct {
	PlayerID string
}

// FireEvent is a fire input.
type FireEvent struct {
	PlayerID     string
	CamOrigin    Vec3
	Direction    Vec3
	BarrelOrigin Vec3
}

// ToMoveEvent decodes a Move message.
func (m *MessageIn) ToMoveEvent() (*MoveEvent, error) {
	if len(m.Data) < 8 {
		return nil, ErrMessageTooShort
	}
	return &MoveEvent{
		PlayerID: m.PlayerID,
		X:        readFloat32(m.Data),
		Y:        readFloat32(m.Data[4:]),
	}, nil
}

// ToLookEvent decodes a Rotation message.
func (m *MessageIn) ToLookEvent() (*LookEvent, error) {
	if len(m.Data) < 16 {
		return nil, ErrMessageTooShort
	}
	return &LookEvent{
		PlayerID: m.PlayerID,
		Direction: Vec4{
			X: readFloat32(m.Data),
			Y: readFloat32(m.Data[4:]),
			Z: readFloat32(m.Data[8:]),
			W: readFloat32(m.Data[12:]),
		},
	}, nil
}

// ToJumpEvent decodes a Jump message.
func (m *MessageIn) ToJumpEvent() *JumpEvent {
	return &JumpEvent{PlayerID: m.PlayerID}
}

// ToSpawnEvent decodes a Spawn message.
func (m *MessageIn) ToSpawnEvent() *SpawnEvent {
	return &SpawnEvent{PlayerID: m.PlayerID}
}

// ToFireEvent decodes a Fire message.
func (m *MessageIn) ToFireEvent() (*FireEvent, error) {
	if len(m.Data) < 36 {
		return nil, ErrMessageTooShort
	}
	vec := func(off int) Vec3 {
		return Vec3{
			X: readFloat32(m.Data[off:]),
			Y: readFloat32(m.Data[off+4:]),
			Z: readFloat32(m.Data[off+8:]),
		}
	}
	return &FireEvent{
		PlayerID:     m.PlayerID,
		CamOrigin:    vec(0),
		Direction:    vec(12),
		BarrelOrigin: vec(24),
	}, nil
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
