// main.go - Denaria game server binary.
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

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/denaria/denaria/config"
	"github.com/denaria/denaria/core/log"
	"github.com/denaria/denaria/internal/instrument"
	"github.com/denaria/denaria/session"
	"github.com/denaria/denaria/transport"
)

func main() {
	cfgFile := flag.String("f", "denaria.toml", "Path to the server config file.")
	version := flag.Bool("v", false, "Print the version and exit.")
	flag.Parse()

	if *version {
		fmt.Printf("denaria-server %s (%s)\n", versioninfo.Short(), versioninfo.LastCommit.Format("2006-01-02"))
		return
	}

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(-1)
	}
	serverLog := logBackend.GetLogger("main")
	serverLog.Noticef("denaria-server %s", versioninfo.Short())

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Server.BindAddress)
	if err != nil {
		serverLog.Errorf("Invalid bind address '%v': %v", cfg.Server.BindAddress, err)
		os.Exit(-1)
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		serverLog.Errorf("Failed to bind UDP socket: %v", err)
		os.Exit(-1)
	}
	defer socket.Close()
	serverLog.Noticef("Listening on %v", socket.LocalAddr())

	if cfg.Server.MetricsAddress != "" {
		instrument.StartMetricsEndpoint(cfg.Server.MetricsAddress)
		serverLog.Noticef("Metrics on %v", cfg.Server.MetricsAddress)
	}

	auth := transport.NewTicketAuthenticator(cfg.Auth.URL, cfg.Auth.SecretKey, logBackend)
	server, err := transport.NewServer(&transport.ServerConfig{
		MaxClients:     cfg.Server.MaxClients,
		TimeoutSeconds: cfg.Server.TimeoutSeconds,
		AdminClientID:  cfg.Server.AdminClientID,
		Authenticator:  auth,
	}, logBackend)
	if err != nil {
		serverLog.Errorf("Failed to create transport server: %v", err)
		os.Exit(-1)
	}

	spawner := session.Spawner(cfg.ConnectionConfig(), cfg.SessionTickInterval(), logBackend)
	t := transport.NewTransport(&transport.TransportConfig{
		FlushSoftDeadline: cfg.FlushSoftDeadline(),
		TickInterval:      cfg.TransportTickInterval(),
	}, socket, server, spawner, logBackend)
	t.Start()

	// Halt on SIGINT/SIGTERM, rotate logs on SIGHUP.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-ch
		if sig == syscall.SIGHUP {
			if cfg.Logging.File != "" {
				if err := logBackend.Rotate(); err != nil {
					serverLog.Errorf("Failed to rotate log: %v", err)
				}
			}
			continue
		}
		serverLog.Noticef("Received %v, shutting down.", sig)
		break
	}
	t.Halt()
}
