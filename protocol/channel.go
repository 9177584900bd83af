// channel.go - Channel configuration.
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

// SendType selects the delivery guarantee of a channel.
type SendType int

const (
	// SendUnreliable is best-effort delivery.
	SendUnreliable SendType = iota

	// SendReliableOrdered is reliable in-order delivery.
	SendReliableOrdered
)

// ChannelConfig configures a single message channel.
type ChannelConfig struct {
	// ChannelID is the wire discriminator of the channel.
	ChannelID uint8

	// SendType is the channel's delivery guarantee.
	SendType SendType

	// ResendTime is the minimum interval between re-emissions of the same
	// unacked reliable message.  Ignored for unreliable channels.
	ResendTime time.Duration

	// MaxMemoryUsageBytes bounds the memory held by queued messages.
	MaxMemoryUsageBytes int
}

// DefaultChannelsConfig returns the fixed two-channel layout: channel 0 is
// unreliable, channel 1 is reliable-ordered.
func DefaultChannelsConfig() []ChannelConfig {
	return []ChannelConfig{
		{
			ChannelID:           0,
			SendType:            SendUnreliable,
			MaxMemoryUsageBytes: 5 * 1024 * 1024,
		},
		{
			ChannelID:           1,
			SendType:            SendReliableOrdered,
			ResendTime:          300 * time.Millisecond,
			MaxMemoryUsageBytes: 5 * 1024 * 1024,
		},
	}
}
