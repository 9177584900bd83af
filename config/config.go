// config.go - Server configuration.
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

// Package config provides the server configuration.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/denaria/denaria/protocol"
	"github.com/denaria/denaria/transport"
)

const (
	defaultBindAddress           = "0.0.0.0:5000"
	defaultMaxClients            = 64
	defaultTimeoutSeconds        = 10
	defaultTickRateHz            = 60
	defaultSessionTickRateHz     = 120
	defaultFlushSoftDeadlineMS   = 10
	defaultAvailableBytesPerTick = 60000
	defaultResendTimeMS          = 300
	defaultMaxMemoryUsageBytes   = 5 * 1024 * 1024
	defaultLogLevel              = "NOTICE"

	// authSecretEnv overrides Auth.SecretKey so the secret can stay out of
	// the config file.
	authSecretEnv = "DENARIA_AUTH_SECRET"
)

// Server is the top level server configuration.
type Server struct {
	// BindAddress is the UDP address the transport listens on.
	BindAddress string

	// MaxClients is the connected client slot table capacity.
	MaxClients int

	// TimeoutSeconds is the idle timeout applied to connected clients.
	TimeoutSeconds int

	// AdminClientID is the trusted control plane client id allowed to
	// create sessions from the wire.  Zero disables wire session creation.
	AdminClientID uint64

	// MetricsAddress, when set, exposes prometheus metrics via HTTP.
	MetricsAddress string
}

func (s *Server) applyDefaults() {
	if s.BindAddress == "" {
		s.BindAddress = defaultBindAddress
	}
	if s.MaxClients <= 0 {
		s.MaxClients = defaultMaxClients
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = defaultTimeoutSeconds
	}
}

// Transport tunes the transport loop.
type Transport struct {
	// TickRateHz is the transport loop frequency.
	TickRateHz int

	// FlushSoftDeadlineMS bounds each outbound service cycle.
	FlushSoftDeadlineMS int

	// AvailableBytesPerTick is the per-connection outbound byte budget per
	// tick.
	AvailableBytesPerTick uint64
}

func (t *Transport) applyDefaults() {
	if t.TickRateHz <= 0 {
		t.TickRateHz = defaultTickRateHz
	}
	if t.FlushSoftDeadlineMS <= 0 {
		t.FlushSoftDeadlineMS = defaultFlushSoftDeadlineMS
	}
	if t.AvailableBytesPerTick == 0 {
		t.AvailableBytesPerTick = defaultAvailableBytesPerTick
	}
}

// Channels tunes the per-client message channels.
type Channels struct {
	// ResendTimeMS is the reliable channel resend interval.
	ResendTimeMS int

	// MaxMemoryUsageBytes is the per-channel memory budget.
	MaxMemoryUsageBytes int
}

func (c *Channels) applyDefaults() {
	if c.ResendTimeMS <= 0 {
		c.ResendTimeMS = defaultResendTimeMS
	}
	if c.MaxMemoryUsageBytes <= 0 {
		c.MaxMemoryUsageBytes = defaultMaxMemoryUsageBytes
	}
}

// Auth configures the external identity provider.
type Auth struct {
	// URL is the identity provider base URL.
	URL string

	// SecretKey authenticates the server to the identity provider.  The
	// DENARIA_AUTH_SECRET environment variable takes precedence.
	SecretKey string
}

// Session tunes the per-match workers.
type Session struct {
	// TickRateHz is the session simulation frequency.
	TickRateHz int
}

func (s *Session) applyDefaults() {
	if s.TickRateHz <= 0 {
		s.TickRateHz = defaultSessionTickRateHz
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File is the log file, or empty for stdout.
	File string

	// Level is the log level.
	Level string
}

func (l *Logging) applyDefaults() {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

// Config is the top level configuration.
type Config struct {
	Server    Server
	Transport Transport
	Channels  Channels
	Auth      Auth
	Session   Session
	Logging   Logging
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	cfg.Server.applyDefaults()
	cfg.Transport.applyDefaults()
	cfg.Channels.applyDefaults()
	cfg.Session.applyDefaults()
	cfg.Logging.applyDefaults()

	if secret := os.Getenv(authSecretEnv); secret != "" {
		cfg.Auth.SecretKey = secret
	}

	if cfg.Server.MaxClients > transport.MaxClients {
		return fmt.Errorf("config: Server.MaxClients exceeds the cap of %d", transport.MaxClients)
	}
	if cfg.Auth.URL == "" {
		return errors.New("config: Auth.URL is not set")
	}
	if cfg.Auth.SecretKey == "" {
		return errors.New("config: Auth.SecretKey is not set")
	}
	return nil
}

// TransportTickInterval returns the transport loop tick.
func (cfg *Config) TransportTickInterval() time.Duration {
	return time.Second / time.Duration(cfg.Transport.TickRateHz)
}

// SessionTickInterval returns the session simulation tick.
func (cfg *Config) SessionTickInterval() time.Duration {
	return time.Second / time.Duration(cfg.Session.TickRateHz)
}

// FlushSoftDeadline returns the outbound service cycle bound.
func (cfg *Config) FlushSoftDeadline() time.Duration {
	return time.Duration(cfg.Transport.FlushSoftDeadlineMS) * time.Millisecond
}

// ConnectionConfig derives the per-client connection configuration.
func (cfg *Config) ConnectionConfig() protocol.ConnectionConfig {
	channels := func() []protocol.ChannelConfig {
		chans := protocol.DefaultChannelsConfig()
		for i := range chans {
			chans[i].ResendTime = time.Duration(cfg.Channels.ResendTimeMS) * time.Millisecond
			chans[i].MaxMemoryUsageBytes = cfg.Channels.MaxMemoryUsageBytes
		}
		return chans
	}
	return protocol.ConnectionConfig{
		AvailableBytesPerTick: cfg.Transport.AvailableBytesPerTick,
		SendChannelsConfig:    channels(),
		ReceiveChannelsConfig: channels(),
	}
}

// Load parses and validates a configuration.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates a configuration file.
func LoadFile(f string) (*Config, error) {
	b, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
