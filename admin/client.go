// Copyright 2024 FleetBeacon LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client speaks the admin protocol over the daemon's unix socket.
type Client struct {
	socket  string
	timeout time.Duration
}

// NewClient targets the socket at path.
func NewClient(path string) *Client {
	return &Client{socket: path, timeout: 5 * time.Second}
}

// Do sends one request and returns the decoded response. A response with
// OK=false comes back as an error.
func (c *Client) Do(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("dialing admin socket %s (is the daemon running?): %w", c.socket, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("sending request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("reading response: %w", err)
	}
	if !resp.OK {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// ResetEKF performs the confirmation handshake. confirm is consulted with
// the server's warning when force is false; returning false aborts.
func (c *Client) ResetEKF(truckID string, force bool, confirm func(message string) bool) (Response, error) {
	resp, err := c.Do(Request{Op: OpResetEKF, TruckID: truckID, Force: force})
	if err != nil || resp.ConfirmToken == "" {
		return resp, err
	}
	if confirm == nil || !confirm(resp.Message) {
		return resp, errors.New("reset aborted")
	}
	return c.Do(Request{Op: OpResetEKF, TruckID: truckID, ConfirmToken: resp.ConfirmToken})
}
