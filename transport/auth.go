// auth.go - Session ticket authentication.
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
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/denaria/denaria/core/log"
	"github.com/denaria/denaria/internal/instrument"
)

const authRequestTimeout = 10 * time.Second

// AuthResult is the shared cell an asynchronous ticket validation publishes
// its outcome into.  The validator goroutine is the only writer and the
// transport loop the only reader.
type AuthResult struct {
	sync.Mutex

	authenticated bool
	playerID      string
}

// Set publishes the validation outcome.
func (r *AuthResult) Set(authenticated bool, playerID string) {
	r.Lock()
	defer r.Unlock()
	r.authenticated = authenticated
	r.playerID = playerID
}

// Get reads the validation outcome.
func (r *AuthResult) Get() (bool, string) {
	r.Lock()
	defer r.Unlock()
	return r.authenticated, r.playerID
}

// Authenticator validates a session ticket asynchronously, publishing the
// outcome into result.
type Authenticator interface {
	Authenticate(playerID, sessionTicket string, result *AuthResult)
}

// TicketAuthenticator validates session tickets against an external identity
// provider over HTTPS.
type TicketAuthenticator struct {
	log *logging.Logger

	url    string
	secret string
	client *http.Client
}

// NewTicketAuthenticator constructs an authenticator posting to the identity
// provider at url, authenticated with the given secret key.
func NewTicketAuthenticator(url, secret string, logBackend *log.Backend) *TicketAuthenticator {
	return &TicketAuthenticator{
		log:    logBackend.GetLogger("transport:auth"),
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: authRequestTimeout},
	}
}

// Authenticate implements Authenticator.  The validation runs in its own
// goroutine; the transport loop polls result on subsequent packets.
func (a *TicketAuthenticator) Authenticate(playerID, sessionTicket string, result *AuthResult) {
	go func() {
		body, err := json.Marshal(map[string]string{
			"SessionTicket": sessionTicket,
		})
		if err != nil {
			a.log.Errorf("Failed to marshal ticket for player %v: %v", playerID, err)
			return
		}

		req, err := http.NewRequest(http.MethodPost, a.url+"/Server/AuthenticateSessionTicket", bytes.NewReader(body))
		if err != nil {
			a.log.Errorf("Failed to build auth request for player %v: %v", playerID, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-SecretKey", a.secret)

		resp, err := a.client.Do(req)
		if err != nil {
			a.log.Errorf("Failed to authenticate player %v: %v", playerID, err)
			instrument.AuthFailures()
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			a.log.Errorf("Failed to authenticate player %v: %v", playerID, resp.Status)
			instrument.AuthFailures()
			return
		}

		result.Set(true, playerID)
		instrument.AuthSuccesses()
		a.log.Debugf("Authenticated player %v", playerID)
	}()
}
