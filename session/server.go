// server.go - Per-session game server facade.
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

	"github.com/denaria/denaria/protocol"
	"github.com/denaria/denaria/transport"
)

// ServerEvent is a connection lifecycle event observed by the game logic.
type ServerEvent interface{}

// EventClientConnected reports a new connection in the session.
type EventClientConnected struct {
	ClientID uint64
	PlayerID string
}

// EventClientDisconnected reports a terminated connection in the session.
type EventClientDisconnected struct {
	ClientID uint64
	PlayerID string
	Reason   *protocol.DisconnectReason
}

// Server is the game-facing server facade of one session.  It owns the
// per-client connections and bridges them to the transport through the
// worker queues.
type Server struct {
	log *logging.Logger

	connections      map[uint64]*protocol.Connection
	playerConnection map[string]uint64
	connectionConfig protocol.ConnectionConfig
	events           []ServerEvent

	fromTransport *transport.WorkerQueue
	toTransport   *transport.TransportQueue
}

// NewServer constructs a session server around its worker queue pair.
func NewServer(cfg protocol.ConnectionConfig, fromTransport *transport.WorkerQueue, toTransport *transport.TransportQueue, log *logging.Logger) *Server {
	return &Server{
		log:              log,
		connections:      make(map[uint64]*protocol.Connection),
		playerConnection: make(map[string]uint64),
		connectionConfig: cfg,
		fromTransport:    fromTransport,
		toTransport:      toTransport,
	}
}

// AddConnection registers a new connection.  Existing client ids are left
// untouched.
func (s *Server) AddConnection(clientID uint64, playerID string) {
	if _, ok := s.connections[clientID]; ok {
		return
	}

	conn := protocol.NewConnection(s.connectionConfig, s.log)
	conn.SetConnected(playerID)
	s.connections[clientID] = conn
	s.playerConnection[playerID] = clientID
	s.events = append(s.events, &EventClientConnected{ClientID: clientID, PlayerID: playerID})
}

// RemoveConnection drops a connection, emitting a disconnect event.
func (s *Server) RemoveConnection(clientID uint64) {
	conn, ok := s.connections[clientID]
	if !ok {
		return
	}
	delete(s.connections, clientID)
	delete(s.playerConnection, conn.PlayerID())

	reason := conn.DisconnectReason()
	if reason == nil {
		reason = &protocol.DisconnectReason{Code: protocol.DisconnectedByTransport}
	}
	s.events = append(s.events, &EventClientDisconnected{
		ClientID: clientID,
		PlayerID: conn.PlayerID(),
		Reason:   reason,
	})
}

// GetEvent pops the next pending lifecycle event.
func (s *Server) GetEvent() (ServerEvent, bool) {
	if len(s.events) == 0 {
		return nil, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

// HasConnections returns whether the session still serves any client.
func (s *Server) HasConnections() bool { return len(s.connections) > 0 }

// PlayerID returns the player identity bound to a client id.
func (s *Server) PlayerID(clientID uint64) (string, bool) {
	if conn, ok := s.connections[clientID]; ok {
		return conn.PlayerID(), true
	}
	return "", false
}

// ClientIDByPlayerID returns the client id serving a player.
func (s *Server) ClientIDByPlayerID(playerID string) (uint64, bool) {
	clientID, ok := s.playerConnection[playerID]
	return clientID, ok
}

// RTT returns the round-trip time of a client, or 0 when unknown.
func (s *Server) RTT(clientID uint64) float64 {
	if conn, ok := s.connections[clientID]; ok {
		return conn.RTT()
	}
	return 0.0
}

// PacketLoss returns the packet loss of a client, or 0 when unknown.
func (s *Server) PacketLoss(clientID uint64) float64 {
	if conn, ok := s.connections[clientID]; ok {
		return conn.PacketLoss()
	}
	return 0.0
}

// NetworkInfo returns the observed statistics of a client.
func (s *Server) NetworkInfo(clientID uint64) (protocol.NetworkInfo, bool) {
	if conn, ok := s.connections[clientID]; ok {
		return conn.NetworkInfo(), true
	}
	return protocol.NetworkInfo{}, false
}

// Disconnect terminates a client at the server's request.
func (s *Server) Disconnect(clientID uint64) {
	if conn, ok := s.connections[clientID]; ok {
		conn.DisconnectWithReason(&protocol.DisconnectReason{Code: protocol.DisconnectedByServer})
	}
}

// DisconnectAll terminates every client.
func (s *Server) DisconnectAll() {
	for _, conn := range s.connections {
		conn.DisconnectWithReason(&protocol.DisconnectReason{Code: protocol.DisconnectedByServer})
	}
}

// SendMessage queues a message for one client over a channel.
func (s *Server) SendMessage(clientID uint64, channelID uint8, message []byte) {
	conn, ok := s.connections[clientID]
	if !ok {
		s.log.Errorf("Tried to send a message to invalid client %v", clientID)
		return
	}
	conn.SendMessage(channelID, message)
}

// BroadcastMessage queues a message for every client over a channel.
func (s *Server) BroadcastMessage(channelID uint8, message []byte) {
	for _, conn := range s.connections {
		conn.SendMessage(channelID, message)
	}
}

// BroadcastMessageExcept queues a message for every client but one.
func (s *Server) BroadcastMessageExcept(exceptID uint64, channelID uint8, message []byte) {
	for clientID, conn := range s.connections {
		if clientID == exceptID {
			continue
		}
		conn.SendMessage(channelID, message)
	}
}

// CanSendMessage returns whether a client channel would admit a message of
// the given size.
func (s *Server) CanSendMessage(clientID uint64, channelID uint8, sizeBytes int) bool {
	if conn, ok := s.connections[clientID]; ok {
		return conn.CanSendMessage(channelID, sizeBytes)
	}
	return false
}

// ChannelAvailableMemory returns the remaining memory budget of a client
// channel, or 0 when the client is unknown.
func (s *Server) ChannelAvailableMemory(clientID uint64, channelID uint8) int {
	if conn, ok := s.connections[clientID]; ok {
		return conn.ChannelAvailableMemory(channelID)
	}
	return 0
}

// ReceiveMessage pulls the next delivered message of a client channel,
// returning the message and the client's player identity.
func (s *Server) ReceiveMessage(clientID uint64, channelID uint8) ([]byte, string, bool) {
	conn, ok := s.connections[clientID]
	if !ok {
		return nil, "", false
	}
	if message, ok := conn.ReceiveMessage(channelID); ok {
		return message, conn.PlayerID(), true
	}
	return nil, "", false
}

// ClientsID returns the ids of all connected clients.
func (s *Server) ClientsID() []uint64 {
	ids := make([]uint64, 0, len(s.connections))
	for clientID, conn := range s.connections {
		if conn.IsConnected() {
			ids = append(ids, clientID)
		}
	}
	return ids
}

// DisconnectionsID returns the ids of all terminated clients that are still
// registered.
func (s *Server) DisconnectionsID() []uint64 {
	var ids []uint64
	for clientID, conn := range s.connections {
		if conn.IsDisconnected() {
			ids = append(ids, clientID)
		}
	}
	return ids
}

// ConnectedClients returns the number of connected clients.
func (s *Server) ConnectedClients() int { return len(s.ClientsID()) }

// IsConnected returns whether a client id is connected.
func (s *Server) IsConnected(clientID uint64) bool {
	if conn, ok := s.connections[clientID]; ok {
		return conn.IsConnected()
	}
	return false
}

// Update advances every connection by dt.
func (s *Server) Update(dt time.Duration) {
	for _, conn := range s.connections {
		conn.Update(dt)
	}
}

// ProcessPacketFrom feeds one channel frame received from a client into its
// connection.
func (s *Server) ProcessPacketFrom(payload []byte, clientID uint64) error {
	conn, ok := s.connections[clientID]
	if !ok {
		return transport.ErrClientNotFound
	}
	conn.ProcessPacket(payload)
	return nil
}

// GetPacketsToSend produces the serialized frames for one client this tick.
func (s *Server) GetPacketsToSend(clientID uint64) ([][]byte, error) {
	conn, ok := s.connections[clientID]
	if !ok {
		return nil, transport.ErrClientNotFound
	}
	return conn.GetPacketsToSend(), nil
}

// ProcessTransportMessages drains the dispatcher queue, applying connection
// lifecycle changes and inbound payloads.
func (s *Server) ProcessTransportMessages() {
	for {
		m, ok := s.fromTransport.Poll()
		if !ok {
			return
		}
		switch msg := m.(type) {
		case *transport.WorkerClientConnected:
			s.AddConnection(msg.ClientID, msg.PlayerID)
		case *transport.WorkerClientDisconnected:
			s.RemoveConnection(msg.ClientID)
		case *transport.WorkerPayload:
			if err := s.ProcessPacketFrom(msg.Payload, msg.ClientID); err != nil {
				s.log.Errorf("Failed to process packet from client %v: %v", msg.ClientID, err)
			}
		default:
			s.log.Errorf("Unexpected transport message: %T", m)
		}
	}
}

// SendPacketsToTransport hands a batch of serialized frames for one client
// to the dispatcher.
func (s *Server) SendPacketsToTransport(clientID uint64, packets [][]byte) {
	if len(packets) == 0 {
		return
	}
	s.toTransport.Send(&transport.WorkerSendPacket{ClientID: clientID, Packets: packets})
}
