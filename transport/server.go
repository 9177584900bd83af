// server.go - Connection handshake and slot table.
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
	"fmt"
	"net/netip"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/denaria/denaria/core/log"
	"github.com/denaria/denaria/internal/instrument"
)

const (
	// MaxClients is the hard cap on the slot table size.
	MaxClients = 1024

	// DefaultTimeoutSeconds is the idle timeout applied to connected
	// clients.
	DefaultTimeoutSeconds = 10

	sendRate      = 250 * time.Millisecond
	pendingExpiry = 10 * time.Second

	authPreambleMinLength = 6 + PlayerIDLength
)

type connectionState int

const (
	stateDisconnected connectionState = iota
	statePendingResponse
	stateAuthenticating
	stateConnected
)

type serverConn struct {
	confirmed bool
	clientID  uint64
	state     connectionState
	auth      *AuthResult
	addr      netip.AddrPort
	lastRecv  time.Duration
	lastSend  time.Duration
	expireAt  time.Duration
}

// ServerConfig configures the handshake server.
type ServerConfig struct {
	// MaxClients is the slot table capacity, capped at MaxClients.
	MaxClients int

	// TimeoutSeconds is the idle timeout for connected clients.  Zero
	// disables the timeout.
	TimeoutSeconds int

	// AdminClientID is the only client id whose CreateSession requests are
	// honored.  Zero disables session creation from the wire.
	AdminClientID uint64

	// Authenticator validates session tickets.
	Authenticator Authenticator
}

// ServerResult is the outcome of processing one datagram or one client
// update.  A nil result means nothing needs to be done.
type ServerResult interface{}

// PacketToSend carries a datagram to write back to an address.  The payload
// aliases the server's scratch buffer and is only valid until the next
// server call.
type PacketToSend struct {
	Addr    netip.AddrPort
	Payload []byte
}

// Payload carries an application payload received from a connected client.
type Payload struct {
	ClientID uint64
	Payload  []byte
}

// ClientConnected reports a completed handshake.  Payload is the KeepAlive
// reply to send to the client.
type ClientConnected struct {
	ClientID uint64
	Addr     netip.AddrPort
	PlayerID string
	Payload  []byte
}

// ClientDisconnected reports a terminated connection.  Payload, when not
// nil, is the Disconnect datagram to send.
type ClientDisconnected struct {
	ClientID uint64
	Addr     netip.AddrPort
	Payload  []byte
}

// CreateSessionRequest reports an authorized session creation request.
type CreateSessionRequest struct {
	ID        uint32
	PlayerIDs []string
}

// Server owns the connected-client slot table and the pending handshake
// table, and drives the per-client handshake state machine.  It is agnostic
// of the socket: it consumes and produces datagram byte slices.
type Server struct {
	log *logging.Logger

	clients    []*serverConn
	pending    map[netip.AddrPort]*serverConn
	maxClients int
	maxPending int

	timeoutSeconds int
	adminClientID  uint64
	auth           Authenticator

	currentTime time.Duration
	out         [MaxPacketBytes]byte
}

// NewServer constructs a handshake server.
func NewServer(cfg *ServerConfig, logBackend *log.Backend) (*Server, error) {
	if cfg.MaxClients > MaxClients {
		return nil, fmt.Errorf("transport: max clients allowed is %d", MaxClients)
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("transport: no authenticator provided")
	}

	return &Server{
		log:            logBackend.GetLogger("transport"),
		clients:        make([]*serverConn, cfg.MaxClients),
		pending:        make(map[netip.AddrPort]*serverConn),
		maxClients:     cfg.MaxClients,
		maxPending:     cfg.MaxClients * 4,
		timeoutSeconds: cfg.TimeoutSeconds,
		adminClientID:  cfg.AdminClientID,
		auth:           cfg.Authenticator,
	}, nil
}

// CurrentTime returns the server's accumulated tick time.
func (s *Server) CurrentTime() time.Duration { return s.currentTime }

// MaxClients returns the slot table capacity.
func (s *Server) MaxClients() int { return s.maxClients }

// SetMaxClients lowers or raises the admission cap.  Lowering it below the
// current number of connected clients disconnects nobody; it only gates new
// handshakes.
func (s *Server) SetMaxClients(maxClients int) {
	if maxClients > 0 && maxClients <= len(s.clients) {
		s.maxClients = maxClients
	}
}

// ConnectedClients returns the number of occupied slots.
func (s *Server) ConnectedClients() int {
	n := 0
	for _, c := range s.clients {
		if c != nil {
			n++
		}
	}
	return n
}

// ClientsID returns the ids of all slotted clients.
func (s *Server) ClientsID() []uint64 {
	ids := make([]uint64, 0, len(s.clients))
	for _, c := range s.clients {
		if c != nil {
			ids = append(ids, c.clientID)
		}
	}
	return ids
}

// IsClientConnected returns whether a client id occupies a slot.
func (s *Server) IsClientConnected(clientID uint64) bool {
	return s.findSlotByID(clientID) >= 0
}

// ClientAddr returns the remote address of a slotted client.
func (s *Server) ClientAddr(clientID uint64) (netip.AddrPort, bool) {
	if slot := s.findSlotByID(clientID); slot >= 0 {
		return s.clients[slot].addr, true
	}
	return netip.AddrPort{}, false
}

// TimeSinceLastReceivedPacket returns how long ago the client was last heard
// from.
func (s *Server) TimeSinceLastReceivedPacket(clientID uint64) (time.Duration, bool) {
	if slot := s.findSlotByID(clientID); slot >= 0 {
		return s.currentTime - s.clients[slot].lastRecv, true
	}
	return 0, false
}

// Update advances the server clock and reaps expired pending handshakes.
func (s *Server) Update(dt time.Duration) {
	s.currentTime += dt

	for addr, pending := range s.pending {
		if s.currentTime > pending.expireAt {
			s.log.Debugf("Pending client %v disconnected, handshake expired", pending.clientID)
			delete(s.pending, addr)
		}
	}
}

// ProcessPacket processes one datagram from addr.  Malformed datagrams are
// logged and dropped.
func (s *Server) ProcessPacket(addr netip.AddrPort, buffer []byte) ServerResult {
	result, err := s.processPacket(addr, buffer)
	if err != nil {
		s.log.Errorf("Failed to process packet from %v: %v", addr, err)
		instrument.PacketsDropped()
		return nil
	}
	return result
}

func (s *Server) processPacket(addr netip.AddrPort, buffer []byte) (ServerResult, error) {
	// Connected client.
	if slot := s.findSlotByAddr(addr); slot >= 0 {
		packet, err := Decode(buffer)
		if err != nil {
			return nil, err
		}

		client := s.clients[slot]
		client.lastRecv = s.currentTime
		switch p := packet.(type) {
		case *Disconnect:
			clientID := client.clientID
			s.freeSlot(slot)
			s.log.Debugf("Client %v requested to disconnect", clientID)
			return &ClientDisconnected{ClientID: clientID, Addr: addr}, nil
		case *Data:
			if !client.confirmed {
				s.log.Debugf("Confirmed connection for client %v", client.clientID)
				client.confirmed = true
			}
			return &Payload{ClientID: client.clientID, Payload: p.Payload}, nil
		case *KeepAlive:
			if !client.confirmed {
				s.log.Debugf("Confirmed connection for client %v", client.clientID)
				client.confirmed = true
			}
			return nil, nil
		default:
			return nil, nil
		}
	}

	// Pending client.
	if pending, ok := s.pending[addr]; ok {
		packet, err := Decode(buffer)
		if err != nil {
			return nil, err
		}

		pending.lastRecv = s.currentTime
		switch p := packet.(type) {
		case *ConnectionRequest:
			if p.SideID == 1 {
				return s.handleConnectionRequest(addr, p)
			}
			return nil, nil
		case *Data:
			// Data from a pending client carries the application-level
			// connect handshake.
			switch pending.state {
			case stateAuthenticating:
				return s.progressAuthentication(addr, pending)
			case statePendingResponse:
				return s.beginAuthentication(addr, pending, p.Payload)
			default:
				return nil, nil
			}
		default:
			return nil, nil
		}
	}

	// New client.
	packet, err := Decode(buffer)
	if err != nil {
		return nil, err
	}
	switch p := packet.(type) {
	case *ConnectionRequest:
		if p.SideID == 1 {
			return s.handleConnectionRequest(addr, p)
		}
		return nil, nil
	case *CreateSession:
		if s.adminClientID == 0 || p.ClientID != s.adminClientID {
			s.log.Warningf("Unauthorized CreateSession from %v (client %v)", addr, p.ClientID)
			return nil, nil
		}
		return &CreateSessionRequest{ID: p.SessionID, PlayerIDs: p.PlayerIDs}, nil
	default:
		return nil, nil
	}
}

func (s *Server) handleConnectionRequest(addr netip.AddrPort, p *ConnectionRequest) (ServerResult, error) {
	if s.findSlotByAddr(addr) >= 0 || s.findSlotByID(p.ClientID) >= 0 {
		s.log.Debugf("Connection request denied: client %v already connected (address: %v)", p.ClientID, addr)
		return nil, nil
	}

	if _, ok := s.pending[addr]; !ok && len(s.pending) >= s.maxPending {
		s.log.Warningf("Connection request denied: reached max amount allowed of pending clients (%v)", s.maxPending)
		return nil, nil
	}

	if s.ConnectedClients() >= s.maxClients {
		delete(s.pending, addr)
		return nil, nil
	}

	reply := &ConnectionRequest{
		Prefix:   p.Prefix,
		SideID:   2,
		ClientID: p.ClientID,
	}
	n, err := reply.Encode(s.out[:])
	if err != nil {
		return nil, err
	}

	pending, ok := s.pending[addr]
	if !ok {
		s.log.Debugf("Connection request from client %v", p.ClientID)
		instrument.HandshakesStarted()
		pending = &serverConn{
			clientID: p.ClientID,
			state:    statePendingResponse,
			auth:     new(AuthResult),
			addr:     addr,
			expireAt: s.currentTime + pendingExpiry,
		}
		s.pending[addr] = pending
	}
	pending.lastRecv = s.currentTime
	pending.lastSend = s.currentTime

	return &PacketToSend{Addr: addr, Payload: s.out[:n]}, nil
}

// beginAuthentication parses the application-level connect preamble and
// kicks off the asynchronous ticket validation.
func (s *Server) beginAuthentication(addr netip.AddrPort, pending *serverConn, payload []byte) (ServerResult, error) {
	pending.state = stateAuthenticating

	// The preamble is a single Connect message in an unreliable frame:
	// channel 0, one message, message type 0, then the fixed-width player
	// id followed by the session ticket.
	if len(payload) < authPreambleMinLength || payload[0] != 0 || payload[1] != 1 || payload[5] != 0 {
		delete(s.pending, addr)
		return nil, ErrInvalidPacketType
	}

	playerID, err := TrimPlayerID(payload[6 : 6+PlayerIDLength])
	if err != nil {
		delete(s.pending, addr)
		return nil, err
	}

	ticket, err := trimSessionTicket(payload[6+PlayerIDLength:])
	if err != nil {
		delete(s.pending, addr)
		return nil, err
	}

	s.log.Debugf("Authenticating: %v", playerID)
	s.auth.Authenticate(playerID, ticket, pending.auth)

	reply := &KeepAlive{ClientID: pending.clientID}
	n, err := reply.Encode(s.out[:])
	if err != nil {
		return nil, err
	}
	pending.lastSend = s.currentTime

	return &PacketToSend{Addr: addr, Payload: s.out[:n]}, nil
}

// progressAuthentication polls the validation cell, slotting the client once
// the ticket checks out.
func (s *Server) progressAuthentication(addr netip.AddrPort, pending *serverConn) (ServerResult, error) {
	authenticated, playerID := pending.auth.Get()
	if !authenticated {
		// Validation still in flight, or failed; the handshake expiry
		// reaps the entry in the latter case.
		return nil, nil
	}

	if s.findSlotByID(pending.clientID) >= 0 {
		s.log.Debugf("Ignored connection response for client %v, already connected", pending.clientID)
		delete(s.pending, addr)
		return nil, nil
	}

	slot := -1
	for i, c := range s.clients {
		if c == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		delete(s.pending, addr)
		pending.state = stateDisconnected
		reply := &Disconnect{ClientID: pending.clientID}
		n, err := reply.Encode(s.out[:])
		if err != nil {
			return nil, err
		}
		return &PacketToSend{Addr: addr, Payload: s.out[:n]}, nil
	}

	delete(s.pending, addr)
	pending.state = stateConnected
	pending.lastSend = s.currentTime
	s.clients[slot] = pending
	instrument.ClientConnected()

	reply := &KeepAlive{ClientID: pending.clientID}
	n, err := reply.Encode(s.out[:])
	if err != nil {
		return nil, err
	}

	return &ClientConnected{
		ClientID: pending.clientID,
		Addr:     addr,
		PlayerID: playerID,
		Payload:  s.out[:n],
	}, nil
}

// UpdateClient applies the idle timeout and keep-alive schedule to one
// slotted client.
func (s *Server) UpdateClient(clientID uint64) ServerResult {
	slot := s.findSlotByID(clientID)
	if slot < 0 {
		return nil
	}
	client := s.clients[slot]

	timedOut := s.timeoutSeconds > 0 &&
		client.lastRecv+time.Duration(s.timeoutSeconds)*time.Second < s.currentTime
	if timedOut {
		s.log.Debugf("Client %v disconnected, connection timed out", clientID)
		client.state = stateDisconnected
	}

	if client.state == stateDisconnected {
		addr := client.addr
		s.freeSlot(slot)

		packet := &Disconnect{ClientID: clientID}
		n, err := packet.Encode(s.out[:])
		if err != nil {
			s.log.Errorf("Failed to encode disconnect packet: %v", err)
			return &ClientDisconnected{ClientID: clientID, Addr: addr}
		}
		return &ClientDisconnected{ClientID: clientID, Addr: addr, Payload: s.out[:n]}
	}

	if client.lastSend+sendRate <= s.currentTime {
		packet := &KeepAlive{ClientID: clientID}
		n, err := packet.Encode(s.out[:])
		if err != nil {
			s.log.Errorf("Failed to encode keep alive packet: %v", err)
			return nil
		}
		client.lastSend = s.currentTime
		return &PacketToSend{Addr: client.addr, Payload: s.out[:n]}
	}

	return nil
}

// GeneratePayloadPacket wraps an application payload in a Data frame for a
// slotted client.  The returned slice is valid until the next server call.
func (s *Server) GeneratePayloadPacket(clientID uint64, payload []byte) (netip.AddrPort, []byte, error) {
	if len(payload) > MaxPayloadBytes {
		return netip.AddrPort{}, nil, ErrPayloadAboveLimit
	}

	slot := s.findSlotByID(clientID)
	if slot < 0 {
		return netip.AddrPort{}, nil, ErrClientNotFound
	}
	client := s.clients[slot]

	packet := &Data{ClientID: clientID, Payload: payload}
	n, err := packet.Encode(s.out[:])
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	client.lastSend = s.currentTime
	return client.addr, s.out[:n], nil
}

// Disconnect drops a slotted client, returning the Disconnect datagram to
// send them.
func (s *Server) Disconnect(clientID uint64) ServerResult {
	slot := s.findSlotByID(clientID)
	if slot < 0 {
		return nil
	}
	addr := s.clients[slot].addr
	s.freeSlot(slot)

	packet := &Disconnect{ClientID: clientID}
	n, err := packet.Encode(s.out[:])
	if err != nil {
		s.log.Errorf("Failed to encode disconnect packet: %v", err)
		return &ClientDisconnected{ClientID: clientID, Addr: addr}
	}
	return &ClientDisconnected{ClientID: clientID, Addr: addr, Payload: s.out[:n]}
}

func (s *Server) freeSlot(slot int) {
	if s.clients[slot] != nil {
		s.clients[slot] = nil
		instrument.ClientDisconnected()
	}
}

func (s *Server) findSlotByID(clientID uint64) int {
	for i, c := range s.clients {
		if c != nil && c.clientID == clientID {
			return i
		}
	}
	return -1
}

func (s *Server) findSlotByAddr(addr netip.AddrPort) int {
	for i, c := range s.clients {
		if c != nil && c.addr == addr {
			return i
		}
	}
	return -1
}

func trimSessionTicket(b []byte) (string, error) {
	ticket, err := TrimPlayerID(b)
	if err != nil {
		return "", ErrInvalidSessionTicket
	}
	return ticket, nil
}
