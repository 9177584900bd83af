// relay.go - Built-in state relay game.
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
	"time"

	"gopkg.in/op/go-logging.v1"
)

// RelayGame is the default match logic: it tracks the last reported
// position and rotation of every player and re-broadcasts them as batched
// state updates, with disconnect notices on the reliable channel.  Real
// match logic replaces it through WorkerConfig.Game.
type RelayGame struct {
	log *logging.Logger

	positions map[string]Vec3
	rotations map[string]Vec3

	dirtyPositions map[string]bool
	dirtyRotations map[string]bool
	departed       []string
}

// NewRelayGame constructs the relay game.
func NewRelayGame(log *logging.Logger) *RelayGame {
	return &RelayGame{
		log:            log,
		positions:      make(map[string]Vec3),
		rotations:      make(map[string]Vec3),
		dirtyPositions: make(map[string]bool),
		dirtyRotations: make(map[string]bool),
	}
}

// PlayerJoined implements Game.
func (g *RelayGame) PlayerJoined(playerID string) {
	g.positions[playerID] = Vec3{}
	g.dirtyPositions[playerID] = true
}

// PlayerLeft implements Game.
func (g *RelayGame) PlayerLeft(playerID string) {
	delete(g.positions, playerID)
	delete(g.rotations, playerID)
	delete(g.dirtyPositions, playerID)
	delete(g.dirtyRotations, playerID)
	g.departed = append(g.departed, playerID)
}

// HandleMessage implements Game.
func (g *RelayGame) HandleMessage(m *MessageIn) {
	switch m.Type {
	case MessageInSpawn:
		g.dirtyPositions[m.PlayerID] = true
	case MessageInMove:
		ev, err := m.ToMoveEvent()
		if err != nil {
			g.log.Warningf("Dropping malformed move from %v: %v", m.PlayerID, err)
			return
		}
		pos := g.positions[m.PlayerID]
		pos.X += ev.X
		pos.Z += ev.Y
		g.positions[m.PlayerID] = pos
		g.dirtyPositions[m.PlayerID] = true
	case MessageInRotation:
		ev, err := m.ToLookEvent()
		if err != nil {
			g.log.Warningf("Dropping malformed rotation from %v: %v", m.PlayerID, err)
			return
		}
		g.rotations[m.PlayerID] = Vec3{X: ev.Direction.X, Y: ev.Direction.Y, Z: ev.Direction.Z}
		g.dirtyRotations[m.PlayerID] = true
	case MessageInJump, MessageInFire:
		// The relay has no physics; inputs that need simulation are
		// dropped.
	default:
		g.log.Debugf("Ignoring message type %v from %v", m.Type, m.PlayerID)
	}
}

// Update implements Game.
func (g *RelayGame) Update(dt time.Duration, srv *Server) {
	if len(g.dirtyPositions) > 0 {
		positions := make([]PlayerPosition, 0, len(g.dirtyPositions))
		for playerID := range g.dirtyPositions {
			positions = append(positions, PlayerPosition{PlayerID: playerID, Position: g.positions[playerID]})
		}
		if m := PositionMessage(positions); m != nil {
			srv.BroadcastMessage(0, m.Data)
		}
		g.dirtyPositions = make(map[string]bool)
	}

	if len(g.dirtyRotations) > 0 {
		rotations := make([]PlayerRotation, 0, len(g.dirtyRotations))
		for playerID := range g.dirtyRotations {
			rotations = append(rotations, PlayerRotation{PlayerID: playerID, Rotation: g.rotations[playerID]})
		}
		if m := RotationMessage(rotations); m != nil {
			srv.BroadcastMessage(0, m.Data)
		}
		g.dirtyRotations = make(map[string]bool)
	}

	if len(g.departed) > 0 {
		if m := DisconnectMessage(g.departed); m != nil {
			srv.BroadcastMessage(1, m.Data)
		}
		g.departed = nil
	}
}
