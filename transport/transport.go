// transport.go - UDP socket loop and session dispatcher.
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
	"net"
	"net/netip"
	"syscall"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/denaria/denaria/core/log"
	"github.com/denaria/denaria/core/worker"
	"github.com/denaria/denaria/internal/instrument"
)

const (
	// DefaultFlushSoftDeadline bounds the time spent draining worker
	// output per service cycle.
	DefaultFlushSoftDeadline = 10 * time.Millisecond

	defaultTickInterval = time.Second / 60
)

// ToWorkerMessage is a message dispatched to a session worker.
type ToWorkerMessage interface{}

// WorkerClientConnected tells the worker a client completed the handshake.
type WorkerClientConnected struct {
	ClientID uint64
	Addr     netip.AddrPort
	PlayerID string
}

// WorkerClientDisconnected tells the worker a client is gone.
type WorkerClientDisconnected struct {
	ClientID uint64
}

// WorkerPayload carries an application payload to the worker.
type WorkerPayload struct {
	ClientID uint64
	Payload  []byte
}

// FromWorkerMessage is a message a session worker hands back to the
// transport.
type FromWorkerMessage interface{}

// WorkerSendPacket carries a batch of serialized channel frames to wrap in
// Data datagrams and put on the wire.
type WorkerSendPacket struct {
	ClientID uint64
	Packets  [][]byte
}

// WorkerQueue is the unbounded typed queue the dispatcher feeds a session
// worker through.
type WorkerQueue struct {
	ch *channels.InfiniteChannel
}

// NewWorkerQueue constructs a worker input queue.
func NewWorkerQueue() *WorkerQueue {
	return &WorkerQueue{ch: channels.NewInfiniteChannel()}
}

// Send enqueues m.
func (q *WorkerQueue) Send(m ToWorkerMessage) {
	q.ch.In() <- m
}

// Poll dequeues the next message without blocking.
func (q *WorkerQueue) Poll() (ToWorkerMessage, bool) {
	// The relay goroutine answers Len only after buffering every completed
	// Send, so a non-zero length means Out is about to yield.
	if q.ch.Len() == 0 {
		return nil, false
	}
	v, ok := <-q.ch.Out()
	if !ok {
		return nil, false
	}
	return v.(ToWorkerMessage), true
}

// Close closes the queue.
func (q *WorkerQueue) Close() {
	q.ch.Close()
}

// TransportQueue is the unbounded fan-in queue every session worker hands
// outbound batches back through.
type TransportQueue struct {
	ch *channels.InfiniteChannel
}

// NewTransportQueue constructs the worker-to-transport queue.
func NewTransportQueue() *TransportQueue {
	return &TransportQueue{ch: channels.NewInfiniteChannel()}
}

// Send enqueues m.
func (q *TransportQueue) Send(m FromWorkerMessage) {
	q.ch.In() <- m
}

// Poll dequeues the next message without blocking.
func (q *TransportQueue) Poll() (FromWorkerMessage, bool) {
	// See WorkerQueue.Poll.
	if q.ch.Len() == 0 {
		return nil, false
	}
	v, ok := <-q.ch.Out()
	if !ok {
		return nil, false
	}
	return v.(FromWorkerMessage), true
}

// Close closes the queue.
func (q *TransportQueue) Close() {
	q.ch.Close()
}

// SpawnSessionFn starts a session worker for a roster, consuming toWorker
// and producing into fromWorker.
type SpawnSessionFn func(sessionID uint32, playerIDs []string, toWorker *WorkerQueue, fromWorker *TransportQueue)

// TransportConfig configures the transport loop.
type TransportConfig struct {
	// FlushSoftDeadline bounds each outbound service cycle.
	FlushSoftDeadline time.Duration

	// TickInterval is the transport loop tick.
	TickInterval time.Duration
}

// Transport owns the UDP socket and routes datagrams between the wire, the
// handshake server and the per-session workers.
type Transport struct {
	worker.Worker

	log *logging.Logger

	socket *net.UDPConn
	server *Server
	buffer [MaxPacketBytes]byte

	fromWorker    *TransportQueue
	playerSession map[string]uint32
	sessionQueues map[uint32]*WorkerQueue
	clientQueues  map[uint64]*WorkerQueue
	spawnSession  SpawnSessionFn

	flushSoftDeadline time.Duration
	tickInterval      time.Duration
}

// NewTransport constructs the transport loop around a bound UDP socket.
func NewTransport(cfg *TransportConfig, socket *net.UDPConn, server *Server, spawnSession SpawnSessionFn, logBackend *log.Backend) *Transport {
	flush := cfg.FlushSoftDeadline
	if flush <= 0 {
		flush = DefaultFlushSoftDeadline
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}

	return &Transport{
		log:               logBackend.GetLogger("dispatcher"),
		socket:            socket,
		server:            server,
		fromWorker:        NewTransportQueue(),
		playerSession:     make(map[string]uint32),
		sessionQueues:     make(map[uint32]*WorkerQueue),
		clientQueues:      make(map[uint64]*WorkerQueue),
		spawnSession:      spawnSession,
		flushSoftDeadline: flush,
		tickInterval:      tick,
	}
}

// Start launches the transport loop.
func (t *Transport) Start() {
	t.Go(t.loop)
}

func (t *Transport) loop() {
	t.log.Debugf("Transport loop starting, tick %v", t.tickInterval)

	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-t.HaltCh():
			t.log.Debugf("Terminating gracefully.")
			t.DisconnectAll()
			return
		case <-ticker.C:
		}

		now := time.Now()
		if err := t.Update(now.Sub(last)); err != nil {
			t.log.Errorf("Transport update failed: %v", err)
			return
		}
		last = now
		t.SendPackets()
	}
}

// CreateSession registers a roster and spawns its session worker.
func (t *Transport) CreateSession(id uint32, playerIDs []string) {
	if _, ok := t.sessionQueues[id]; ok {
		t.log.Warningf("Session %v already exists, ignoring", id)
		return
	}

	toWorker := NewWorkerQueue()
	for _, playerID := range playerIDs {
		t.playerSession[playerID] = id
	}
	t.sessionQueues[id] = toWorker
	instrument.SessionCreated()

	t.log.Noticef("Session %v created for %v players", id, len(playerIDs))
	t.spawnSession(id, playerIDs, toWorker, t.fromWorker)
}

// Update advances the handshake server, drains the socket and services the
// per-client timers.
func (t *Transport) Update(dt time.Duration) error {
	t.server.Update(dt)

	// A short deadline drains whatever is queued and then times out,
	// standing in for a drain-until-WouldBlock loop on a raw socket.
	if err := t.socket.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	for {
		n, addr, err := t.socket.ReadFromUDPAddrPort(t.buffer[:])
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Socket drained.
				break
			}
			if errors.Is(err, syscall.ECONNRESET) {
				// Stale ICMP for a previous datagram; not fatal for UDP.
				continue
			}
			return err
		}

		instrument.PacketsReceived(n)
		result := t.server.ProcessPacket(addr, t.buffer[:n])
		t.handleServerResult(result)
	}

	for _, clientID := range t.server.ClientsID() {
		t.handleServerResult(t.server.UpdateClient(clientID))
	}

	return nil
}

// SendPackets drains worker output into the socket, bounded by the flush
// soft deadline so a pathological backlog cannot stall the loop.
func (t *Transport) SendPackets() {
	start := time.Now()
	for time.Since(start) < t.flushSoftDeadline {
		m, ok := t.fromWorker.Poll()
		if !ok {
			break
		}
		switch msg := m.(type) {
		case *WorkerSendPacket:
			t.sendWorkerPackets(msg)
		default:
			t.log.Errorf("Unexpected worker message: %T", m)
		}
	}
}

func (t *Transport) sendWorkerPackets(m *WorkerSendPacket) {
	for _, packet := range m.Packets {
		addr, payload, err := t.server.GeneratePayloadPacket(m.ClientID, packet)
		if err != nil {
			t.log.Errorf("Failed to generate payload packet for client %v: %v", m.ClientID, err)
			return
		}
		t.writePacket(payload, addr)
	}
}

func (t *Transport) writePacket(payload []byte, addr netip.AddrPort) {
	if _, err := t.socket.WriteToUDPAddrPort(payload, addr); err != nil {
		t.log.Errorf("Failed to send packet to %v: %v", addr, err)
		return
	}
	instrument.PacketsSent(len(payload))
}

func (t *Transport) handleServerResult(result ServerResult) {
	switch r := result.(type) {
	case nil:
	case *PacketToSend:
		t.writePacket(r.Payload, r.Addr)
	case *Payload:
		queue, ok := t.clientQueues[r.ClientID]
		if !ok {
			t.log.Errorf("Session worker not found for client %v", r.ClientID)
			return
		}
		queue.Send(&WorkerPayload{ClientID: r.ClientID, Payload: r.Payload})
	case *ClientConnected:
		sessionID, ok := t.playerSession[r.PlayerID]
		if !ok {
			t.log.Warningf("No session for player %v, dropping client %v", r.PlayerID, r.ClientID)
			t.handleServerResult(t.server.Disconnect(r.ClientID))
			return
		}
		queue, ok := t.sessionQueues[sessionID]
		if !ok {
			t.log.Errorf("Session %v not found for player %v", sessionID, r.PlayerID)
			return
		}
		queue.Send(&WorkerClientConnected{
			ClientID: r.ClientID,
			Addr:     r.Addr,
			PlayerID: r.PlayerID,
		})
		t.clientQueues[r.ClientID] = queue
		t.writePacket(r.Payload, r.Addr)
	case *ClientDisconnected:
		if queue, ok := t.clientQueues[r.ClientID]; ok {
			queue.Send(&WorkerClientDisconnected{ClientID: r.ClientID})
			delete(t.clientQueues, r.ClientID)
		}
		if r.Payload != nil {
			t.writePacket(r.Payload, r.Addr)
		}
	case *CreateSessionRequest:
		t.CreateSession(r.ID, r.PlayerIDs)
	default:
		t.log.Errorf("Unhandled server result: %T", r)
	}
}

// DisconnectAll drops every connected client, notifying their workers.
func (t *Transport) DisconnectAll() {
	for _, clientID := range t.server.ClientsID() {
		t.handleServerResult(t.server.Disconnect(clientID))
	}
}
