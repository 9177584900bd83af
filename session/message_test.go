// SPDX-FileCopyrightText: © 2024 The Denaria Authors
// SPDX-License-Identifier: AGPL-3.0-only
package session

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func appendFloat32(b []byte, v float32) []byte {
	var f [4]byte
	binary.LittleEndian.PutUint32(f[:], math.Float32bits(v))
	return append(b, f[:]...)
}

func TestMessageInFraming(t *testing.T) {
	require := require.New(t)

	_, err := NewMessageIn(nil, "p01")
	require.ErrorIs(err, ErrMessageTooShort)

	m, err := NewMessageIn([]byte{byte(MessageInJump)}, "p01")
	require.NoError(err)
	require.Equal(MessageInJump, m.Type)
	require.Equal("p01", m.PlayerID)
	require.Empty(m.Data)

	// Unknown types map to Invalid.
	m, err = NewMessageIn([]byte{77, 1, 2}, "p01")
	require.NoError(err)
	require.Equal(MessageInInvalid, m.Type)
}

func TestMoveEventDecode(t *testing.T) {
	require := require.New(t)

	payload := []byte{byte(MessageInMove)}
	payload = appendFloat32(payload, 1.5)
	payload = appendFloat32(payload, -2.25)

	m, err := NewMessageIn(payload, "p01")
	require.NoError(err)
	ev, err := m.ToMoveEvent()
	require.NoError(err)
	require.Equal(float32(1.5), ev.X)
	require.Equal(float32(-2.25), ev.Y)

	short, err := NewMessageIn([]byte{byte(MessageInMove), 1, 2, 3}, "p01")
	require.NoError(err)
	_, err = short.ToMoveEvent()
	require.ErrorIs(err, ErrMessageTooShort)
}

func TestLookEventDecode(t *testing.T) {
	require := require.New(t)

	payload := []byte{byte(MessageInRotation)}
	for _, v := range []float32{0.1, 0.2, 0.3, 0.4} {
		payload = appendFloat32(payload, v)
	}

	m, err := NewMessageIn(payload, "p01")
	require.NoError(err)
	ev, err := m.ToLookEvent()
	require.NoError(err)
	require.Equal(Vec4{X: 0.1, Y: 0.2, Z: 0.3, W: 0.4}, ev.Direction)
}

func TestFireEventDecode(t *testing.T) {
	require := require.New(t)

	payload := []byte{byte(MessageInFire)}
	for i := 0; i < 9; i++ {
		payload = appendFloat32(payload, float32(i))
	}

	m, err := NewMessageIn(payload, "p01")
	require.NoError(err)
	ev, err := m.ToFireEvent()
	require.NoError(err)
	require.Equal(Vec3{X: 0, Y: 1, Z: 2}, ev.CamOrigin)
	require.Equal(Vec3{X: 3, Y: 4, Z: 5}, ev.Direction)
	require.Equal(Vec3{X: 6, Y: 7, Z: 8}, ev.BarrelOrigin)
}

func TestPositionMessageEncoding(t *testing.T) {
	require := require.New(t)

	require.Nil(PositionMessage(nil))

	m := PositionMessage([]PlayerPosition{
		{PlayerID: "p01", Position: Vec3{X: 1, Y: 2, Z: 3}},
		{PlayerID: "p02", Position: Vec3{X: 4, Y: 5, Z: 6}},
	})
	require.NotNil(m)
	require.Equal(MessageOutPosition, m.Type)

	// type byte, u64 count, then fixed-width id + three floats each.
	require.Len(m.Data, 1+8+2*(PlayerIDLength+12))
	require.Equal(byte(MessageOutPosition), m.Data[0])
	require.Equal(uint64(2), binary.LittleEndian.Uint64(m.Data[1:]))

	id := NormalizePlayerID("p01")
	require.Equal(id[:], m.Data[9:9+PlayerIDLength])
	require.Equal(float32(1), math.Float32frombits(binary.LittleEndian.Uint32(m.Data[9+PlayerIDLength:])))
}

func TestDisconnectMessageEncoding(t *testing.T) {
	require := require.New(t)

	require.Nil(DisconnectMessage(nil))

	m := DisconnectMessage([]string{"p01"})
	require.NotNil(m)
	require.Equal(MessageOutDisconnect, m.Type)
	require.Equal(byte(MessageOutDisconnect), m.Data[0])
	require.Len(m.Data, 1+8+PlayerIDLength)
}

func TestWithEventHeader(t *testing.T) {
	require := require.New(t)

	m := &MessageOut{Type: MessageOutPosition, Data: []byte{9, 9}}
	out := m.WithEventHeader([]byte{7})
	require.Equal([]byte{1, 7, 0, 9, 9}, out)
}

func TestNormalizePlayerID(t *testing.T) {
	require := require.New(t)

	id := NormalizePlayerID("p01")
	require.Equal(byte('p'), id[0])
	require.Equal(byte(0), id[3])

	// Over-long ids truncate at the wire width.
	long := NormalizePlayerID("0123456789abcdefXYZ")
	require.Equal(byte('f'), long[15])
}
