// stats.go - Rolling connection statistics.
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
)

const statsWindow = time.Second

type byteSample struct {
	at    time.Duration
	bytes uint64
}

type ackSample struct {
	sentAt  time.Duration
	ackedAt time.Duration
}

// ConnectionStats tracks windowed byte and packet counters for one
// connection.  All rates are computed over the last second of tick time.
type ConnectionStats struct {
	currentTime time.Duration

	bytesSent     []byteSample
	bytesReceived []byteSample
	packetsSent   []time.Duration
	packetsAcked  []ackSample
}

// NewConnectionStats constructs an empty statistics tracker.
func NewConnectionStats() *ConnectionStats {
	return &ConnectionStats{}
}

// Update advances the tracker's clock and prunes samples that fell out of
// the window.
func (s *ConnectionStats) Update(now time.Duration) {
	s.currentTime = now

	cutoff := now - statsWindow
	s.bytesSent = pruneByteSamples(s.bytesSent, cutoff)
	s.bytesReceived = pruneByteSamples(s.bytesReceived, cutoff)

	i := 0
	for i < len(s.packetsSent) && s.packetsSent[i] < cutoff {
		i++
	}
	s.packetsSent = s.packetsSent[i:]

	i = 0
	for i < len(s.packetsAcked) && s.packetsAcked[i].sentAt < cutoff {
		i++
	}
	s.packetsAcked = s.packetsAcked[i:]
}

// SentPackets records the emission of count packets totaling bytes.
func (s *ConnectionStats) SentPackets(count int, bytes uint64) {
	for i := 0; i < count; i++ {
		s.packetsSent = append(s.packetsSent, s.currentTime)
	}
	s.bytesSent = append(s.bytesSent, byteSample{at: s.currentTime, bytes: bytes})
}

// ReceivedPacket records the receipt of a packet of the given size.
func (s *ConnectionStats) ReceivedPacket(bytes uint64) {
	s.bytesReceived = append(s.bytesReceived, byteSample{at: s.currentTime, bytes: bytes})
}

// AckedPacket records the acknowledgement of a packet sent at sentAt.
func (s *ConnectionStats) AckedPacket(sentAt, now time.Duration) {
	s.packetsAcked = append(s.packetsAcked, ackSample{sentAt: sentAt, ackedAt: now})
}

// PacketLoss returns 1 - acked/sent over the window.
func (s *ConnectionStats) PacketLoss() float64 {
	if len(s.packetsSent) == 0 {
		return 0.0
	}
	loss := 1.0 - float64(len(s.packetsAcked))/float64(len(s.packetsSent))
	if loss < 0.0 {
		return 0.0
	}
	return loss
}

// BytesSentPerSecond returns the windowed outbound rate.
func (s *ConnectionStats) BytesSentPerSecond(now time.Duration) float64 {
	return byteRate(s.bytesSent, now)
}

// BytesReceivedPerSecond returns the windowed inbound rate.
func (s *ConnectionStats) BytesReceivedPerSecond(now time.Duration) float64 {
	return byteRate(s.bytesReceived, now)
}

func pruneByteSamples(samples []byteSample, cutoff time.Duration) []byteSample {
	i := 0
	for i < len(samples) && samples[i].at < cutoff {
		i++
	}
	return samples[i:]
}

func byteRate(samples []byteSample, now time.Duration) float64 {
	cutoff := now - statsWindow
	var total uint64
	for _, sample := range samples {
		if sample.at >= cutoff {
			total += sample.bytes
		}
	}
	return float64(total) / statsWindow.Seconds()
}
