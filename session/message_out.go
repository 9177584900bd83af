// message_out.go - Outbound application message framing.
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

package session

import (
	"encoding/binary"
	"math"
)

// PlayerIDLength is the fixed wire size of a player identity in batch
// messages.
const PlayerIDLength = 16

// MessageOutType enumerates the outbound application message types.
type MessageOutType uint8

const (
	// MessageOutPosition is a batched position update.
	MessageOutPosition MessageOutType = 1

	// MessageOutRotation is a batched rotation update.
	MessageOutRotation MessageOutType = 2

	// MessageOutDisconnect is a batched player disconnect notice.
	MessageOutDisconnect MessageOutType = 10
)

// MessageOut is one encoded application message to broadcast to clients.
type MessageOut struct {
	Type MessageOutType
	Data []byte
}

// WithEventHeader wraps the message in the event envelope: a leading 1, the
// event identifier, a 0 separator and the message bytes.
func (m *MessageOut) WithEventHeader(identifier []byte) []byte {
	out := make([]byte, 0, 2+len(identifier)+len(m.Data))
	out = append(out, 1)
	out = append(out, identifier...)
	out = append(out, 0)
	out = append(out, m.Data...)
	return out
}

// PlayerPosition pairs a player identity with a position.
type PlayerPosition struct {
	PlayerID string
	Position Vec3
}

// PlayerRotation pairs a player identity with a rotation.
type PlayerRotation struct {
	PlayerID string
	Rotation Vec3
}

// PositionMessage batches position updates, or returns nil when there is
// nothing to send.
func PositionMessage(positions []PlayerPosition) *MessageOut {
	if len(positions) == 0 {
		return nil
	}

	data := appendCount(nil, len(positions))
	for _, p := range positions {
		id := NormalizePlayerID(p.PlayerID)
		data = append(data, id[:]...)
		data = appendVec3(data, p.Position)
	}
	return &MessageOut{
		Type: MessageOutPosition,
		Data: prependType(MessageOutPosition, data),
	}
}

// RotationMessage batches rotation updates, or returns nil when there is
// nothing to send.
func RotationMessage(rotations []PlayerRotation) *MessageOut {
	if len(rotations) == 0 {
		return nil
	}

	data := appendCount(nil, len(rotations))
	for _, r := range rotations {
		id := NormalizePlayerID(r.PlayerID)
		data = append(data, id[:]...)
		data = appendVec3(data, r.Rotation)
	}
	return &MessageOut{
		Type: MessageOutRotation,
		Data: prependType(MessageOutRotation, data),
	}
}

// DisconnectMessage batches player disconnect notices, or returns nil when
// there is nothing to send.
func DisconnectMessage(playerIDs []string) *MessageOut {
	if len(playerIDs) == 0 {
		return nil
	}

	data := appendCount(nil, len(playerIDs))
	for _, playerID := range playerIDs {
		id := NormalizePlayerID(playerID)
		data = append(data, id[:]...)
	}
	return &MessageOut{
		Type: MessageOutDisconnect,
		Data: prependType(MessageOutDisconnect, data),
	}
}

// NormalizePlayerID pads or truncates a player identity to its fixed wire
// width.
func NormalizePlayerID(playerID string) [PlayerIDLength]byte {
	var id [PlayerIDLength]byte
	copy(id[:], playerID)
	return id
}

func prependType(t MessageOutType, data []byte) []byte {
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(t))
	return append(out, data...)
}

func appendCount(b []byte, count int) []byte {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(count))
	return append(b, n[:]...)
}

func appendVec3(b []byte, v Vec3) []byte {
	var f [4]byte
	binary.LittleEndian.PutUint32(f[:], math.Float32bits(v.X))
	b = append(b, f[:]...)
	binary.LittleEndian.PutUint32(f[:], math.Float32bits(v.Y))
	b = append(b, f[:]...)
	binary.LittleEndian.PutUint32(f[:], math.Float32bits(v.Z))
	b = append(b, f[:]...)
	return b
}
