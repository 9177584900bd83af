// SPDX-FileCopyrightText: © 2024 The Denaria Authors
// SPDX-License-Identifier: AGPL-3.0-only
package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatsRates(t *testing.T) {
	require := require.New(t)

	s := NewConnectionStats()
	s.Update(0)
	s.SentPackets(2, 1000)
	s.ReceivedPacket(500)

	s.Update(500 * time.Millisecond)
	require.InDelta(1000.0, s.BytesSentPerSecond(500*time.Millisecond), 1e-9)
	require.InDelta(500.0, s.BytesReceivedPerSecond(500*time.Millisecond), 1e-9)

	// The samples age out of the one second window.
	s.Update(1500 * time.Millisecond)
	require.Zero(s.BytesSentPerSecond(1500 * time.Millisecond))
	require.Zero(s.BytesReceivedPerSecond(1500 * time.Millisecond))
}

func TestStatsPacketLoss(t *testing.T) {
	require := require.New(t)

	s := NewConnectionStats()
	s.Update(0)
	require.Zero(s.PacketLoss())

	s.SentPackets(4, 400)
	s.AckedPacket(0, 100*time.Millisecond)
	require.InDelta(0.75, s.PacketLoss(), 1e-9)

	s.AckedPacket(0, 150*time.Millisecond)
	s.AckedPacket(0, 160*time.Millisecond)
	s.AckedPacket(0, 170*time.Millisecond)
	require.Zero(s.PacketLoss())
}
