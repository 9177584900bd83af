// SPDX-FileCopyrightText: © 2024 The Denaria Authors
// SPDX-License-Identifier: AGPL-3.0-only
package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmallUnreliableRoundTrip(t *testing.T) {
	require := require.New(t)

	p := &SmallUnreliable{
		ChannelID: 0,
		Messages:  [][]byte{[]byte("hello"), []byte("world"), {}},
	}

	var buf [MaxPacketBytes]byte
	n, err := p.ToBytes(buf[:])
	require.NoError(err)

	parsed, err := FromBytes(buf[:n])
	require.NoError(err)
	require.Equal(p, parsed)

	// Re-encoding the parsed frame is bit identical.
	var buf2 [MaxPacketBytes]byte
	n2, err := parsed.ToBytes(buf2[:])
	require.NoError(err)
	require.Equal(buf[:n], buf2[:n2])
}

func TestSmallReliableRoundTrip(t *testing.T) {
	require := require.New(t)

	p := &SmallReliable{
		ChannelID:   1,
		PacketType:  0,
		ProcessTime: 7,
		Sequence:    1337,
		AckedSeq:    1336,
		AckedMask:   0xdeadbeef,
		Messages: []ReliableMessage{
			{ID: 0, Payload: []byte("first")},
			{ID: 9000000000, Payload: []byte("second")},
		},
	}

	var buf [MaxPacketBytes]byte
	n, err := p.ToBytes(buf[:])
	require.NoError(err)

	parsed, err := FromBytes(buf[:n])
	require.NoError(err)
	require.Equal(p, parsed)
}

func TestAckRoundTrip(t *testing.T) {
	require := require.New(t)

	p := &Ack{
		ChannelID:   1,
		PacketType:  1,
		ProcessTime: 12,
		Sequence:    0,
		AckedSeq:    65535,
		AckedMask:   0x3,
		EndPostfix:  0,
	}

	var buf [MaxPacketBytes]byte
	n, err := p.ToBytes(buf[:])
	require.NoError(err)
	require.Equal(ackFrameLength, n)

	parsed, err := FromBytes(buf[:n])
	require.NoError(err)
	require.Equal(p, parsed)
}

func TestFromBytesRejectsBadDiscriminators(t *testing.T) {
	require := require.New(t)

	_, err := FromBytes([]byte{42, 0, 0})
	require.ErrorIs(err, ErrInvalidChannelID)

	// Reliable family with an unknown packet type.
	b := make([]byte, 20)
	b[0] = 1
	b[1] = 9
	_, err = FromBytes(b)
	require.ErrorIs(err, ErrInvalidPacketType)
}

func TestFromBytesRejectsTruncation(t *testing.T) {
	require := require.New(t)

	p := &SmallReliable{
		ChannelID: 1,
		Sequence:  5,
		Messages:  []ReliableMessage{{ID: 1, Payload: []byte("payload")}},
	}
	var buf [MaxPacketBytes]byte
	n, err := p.ToBytes(buf[:])
	require.NoError(err)

	for i := 1; i < n; i++ {
		_, err := FromBytes(buf[:i])
		require.Error(err, "length %d", i)
		require.ErrorIs(err, ErrBufferTooShort)
	}

	_, err = FromBytes(nil)
	require.ErrorIs(err, ErrBufferTooShort)
}

func TestToBytesBufferTooShort(t *testing.T) {
	require := require.New(t)

	p := &SmallUnreliable{ChannelID: 0, Messages: [][]byte{[]byte("xyzzy")}}
	var tiny [4]byte
	_, err := p.ToBytes(tiny[:])
	require.ErrorIs(err, ErrBufferTooShort)
}
