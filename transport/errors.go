// errors.go - Transport error types.
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

package transport

import (
	"errors"
)

var (
	// ErrInvalidPacketType is the error returned when a datagram carries an
	// unknown packet type, or a malformed handshake payload.
	ErrInvalidPacketType = errors.New("transport: invalid packet type")

	// ErrInvalidPlayerID is the error returned when the handshake player id
	// bytes are not valid UTF-8.
	ErrInvalidPlayerID = errors.New("transport: invalid player id")

	// ErrInvalidSessionTicket is the error returned when the handshake
	// session ticket bytes are not valid UTF-8.
	ErrInvalidSessionTicket = errors.New("transport: invalid session ticket")

	// ErrPacketTooSmall is the error returned when a datagram is too small
	// to parse.
	ErrPacketTooSmall = errors.New("transport: packet too small")

	// ErrPayloadAboveLimit is the error returned when an outbound payload
	// exceeds the per-datagram payload limit.
	ErrPayloadAboveLimit = errors.New("transport: payload above limit")

	// ErrBufferTooShort is the error returned when an encode target buffer
	// cannot hold the frame.
	ErrBufferTooShort = errors.New("transport: buffer too short")

	// ErrClientNotFound is the error returned when an operation references
	// an unknown client id.
	ErrClientNotFound = errors.New("transport: client not found")
)
