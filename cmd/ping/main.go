// main.go - Denaria transport ping tool.
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
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/denaria/denaria/transport"
)

// sendPing opens a handshake with the server and waits for the echoed
// connection request.  The server treats the half-open handshake as pending
// until it expires, so probe ids are randomized to stay out of each other's
// way.
func sendPing(conn *net.UDPConn, timeout time.Duration) (time.Duration, bool) {
	clientID := rand.Uint64()
	req := &transport.ConnectionRequest{
		Prefix:   [3]byte{'d', 'e', 'n'},
		SideID:   1,
		ClientID: clientID,
	}

	var buf [transport.MaxPacketBytes]byte
	n, err := req.Encode(buf[:])
	if err != nil {
		return 0, false
	}

	start := time.Now()
	if _, err := conn.Write(buf[:n]); err != nil {
		return 0, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		n, err := conn.Read(buf[:])
		if err != nil {
			return 0, false
		}
		reply, err := transport.Decode(buf[:n])
		if err != nil {
			continue
		}
		echo, ok := reply.(*transport.ConnectionRequest)
		if !ok || echo.SideID != 2 || echo.ClientID != clientID {
			continue
		}
		return time.Since(start), true
	}
}

func main() {
	server := flag.String("s", "127.0.0.1:5000", "Server address to ping.")
	count := flag.Int("n", 10, "Number of pings to send.")
	interval := flag.Duration("i", 250*time.Millisecond, "Interval between pings.")
	timeout := flag.Duration("t", 2*time.Second, "Per ping reply timeout.")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid server address: %v\n", err)
		os.Exit(-1)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(-1)
	}
	defer conn.Close()

	fmt.Printf("Sending %d connection probes to %s\n", *count, addr)

	var passed, failed int
	var total time.Duration
	for i := 0; i < *count; i++ {
		if rtt, ok := sendPing(conn, *timeout); ok {
			fmt.Printf("!")
			passed++
			total += rtt
		} else {
			fmt.Printf("~")
			failed++
		}
		time.Sleep(*interval)
	}
	fmt.Printf("\n")

	percent := float64(passed) * 100 / float64(*count)
	fmt.Printf("Success rate is %f percent (%d/%d)\n", percent, passed, *count)
	if passed > 0 {
		fmt.Printf("Average RTT: %v\n", total/time.Duration(passed))
	}
}
