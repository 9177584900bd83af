// session.go - Per-session worker loop.
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
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/denaria/denaria/core/log"
	"github.com/denaria/denaria/core/worker"
	"github.com/denaria/denaria/protocol"
	"github.com/denaria/denaria/transport"
)

// DefaultTickInterval is the session simulation tick.
const DefaultTickInterval = time.Second / 120

// Game is the match logic driven by a session worker.  The worker owns the
// session server; the game reacts to inputs and queues outbound messages
// through it.
type Game interface {
	// PlayerJoined is invoked when a player's connection is established.
	PlayerJoined(playerID string)

	// PlayerLeft is invoked when a player's connection is gone.
	PlayerLeft(playerID string)

	// HandleMessage is invoked for every inbound application message.
	HandleMessage(m *MessageIn)

	// Update advances the match by dt and queues outbound messages.
	Update(dt time.Duration, srv *Server)
}

// Worker runs one match in its own goroutine, isolated from every other
// session.
type Worker struct {
	worker.Worker

	log *logging.Logger

	id   uint32
	srv  *Server
	game Game
	tick time.Duration
}

// WorkerConfig configures a session worker.
type WorkerConfig struct {
	// ID is the session id.
	ID uint32

	// ConnectionConfig configures the per-client connections.  When it has
	// no channels, protocol.DefaultConnectionConfig() is used.
	ConnectionConfig protocol.ConnectionConfig

	// TickInterval is the simulation tick.
	TickInterval time.Duration

	// Game is the match logic.  When nil the built-in relay game is used.
	Game Game
}

// NewWorker constructs a session worker around its queue pair.
func NewWorker(cfg *WorkerConfig, toWorker *transport.WorkerQueue, fromWorker *transport.TransportQueue, logBackend *log.Backend) *Worker {
	workerLog := logBackend.GetLogger(fmt.Sprintf("session:%d", cfg.ID))

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	game := cfg.Game
	if game == nil {
		game = NewRelayGame(workerLog)
	}
	connCfg := cfg.ConnectionConfig
	if len(connCfg.SendChannelsConfig) == 0 && len(connCfg.ReceiveChannelsConfig) == 0 {
		connCfg = protocol.DefaultConnectionConfig()
	}

	return &Worker{
		log:  workerLog,
		id:   cfg.ID,
		srv:  NewServer(connCfg, toWorker, fromWorker, workerLog),
		game: game,
		tick: tick,
	}
}

// Server returns the worker's session server.
func (w *Worker) Server() *Server { return w.srv }

// Start launches the worker loop.
func (w *Worker) Start() {
	w.Go(w.loop)
}

func (w *Worker) loop() {
	w.log.Debugf("Session worker starting, tick %v", w.tick)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			w.srv.DisconnectAll()
			return
		case <-ticker.C:
		}

		now := time.Now()
		w.Tick(now.Sub(last))
		last = now
	}
}

// Tick runs one simulation step: drain the dispatcher queue, advance the
// connections, feed the game and flush outbound packet batches.
func (w *Worker) Tick(dt time.Duration) {
	w.srv.ProcessTransportMessages()
	w.srv.Update(dt)

	for {
		ev, ok := w.srv.GetEvent()
		if !ok {
			break
		}
		switch e := ev.(type) {
		case *EventClientConnected:
			w.log.Noticef("Player %v connected (client %v)", e.PlayerID, e.ClientID)
			w.game.PlayerJoined(e.PlayerID)
		case *EventClientDisconnected:
			w.log.Noticef("Player %v disconnected (client %v): %v", e.PlayerID, e.ClientID, e.Reason)
			w.game.PlayerLeft(e.PlayerID)
		}
	}

	for _, clientID := range w.srv.ClientsID() {
		for _, channelID := range []uint8{0, 1} {
			for {
				payload, playerID, ok := w.srv.ReceiveMessage(clientID, channelID)
				if !ok {
					break
				}
				m, err := NewMessageIn(payload, playerID)
				if err != nil {
					w.log.Warningf("Dropping malformed message from %v: %v", playerID, err)
					continue
				}
				w.game.HandleMessage(m)
			}
		}
	}

	w.game.Update(dt, w.srv)

	// Reap connections terminated by channel errors or by the game.
	for _, clientID := range w.srv.DisconnectionsID() {
		w.srv.RemoveConnection(clientID)
	}

	for _, clientID := range w.srv.ClientsID() {
		packets, err := w.srv.GetPacketsToSend(clientID)
		if err != nil {
			continue
		}
		w.srv.SendPacketsToTransport(clientID, packets)
	}
}

// Spawner returns a SpawnSessionFn wiring new sessions to workers built
// from the given configuration.
func Spawner(connectionConfig protocol.ConnectionConfig, tickInterval time.Duration, logBackend *log.Backend) transport.SpawnSessionFn {
	return func(sessionID uint32, playerIDs []string, toWorker *transport.WorkerQueue, fromWorker *transport.TransportQueue) {
		w := NewWorker(&WorkerConfig{
			ID:               sessionID,
			ConnectionConfig: connectionConfig,
			TickInterval:     tickInterval,
		}, toWorker, fromWorker, logBackend)
		w.Start()
	}
}
