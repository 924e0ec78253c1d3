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

// Package admin is the daemon's control plane: a unix-socket JSON protocol
// for operator queries and the reset commands that discard filter state.
// One request per connection; the server answers and closes.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator"
)

// DefaultSocketPath is where fuelctl looks when no --socket is given. The
// daemon itself only binds the path named in its config.
const DefaultSocketPath = "/var/run/fuelcore.sock"

// Operation names accepted in Request.Op.
const (
	OpSnapshot           = "snapshot"
	OpFleetSnapshot      = "fleet-snapshot"
	OpHistory            = "history"
	OpReplay             = "replay"
	OpResetEKF           = "reset-ekf"
	OpResetIdle          = "reset-idle"
	OpResetDriverSession = "reset-driver-session"
)

// Request is one operator command.
type Request struct {
	Op       string `json:"op"`
	TruckID  string `json:"truck_id,omitempty"`
	DriverID string `json:"driver_id,omitempty"`

	// Replay filters: either a truck or a topic, plus a result cap.
	Topic string `json:"topic,omitempty"`
	Limit int    `json:"limit,omitempty"`

	// History window.
	WindowMinutes int `json:"window_minutes,omitempty"`

	// reset-ekf is destructive; it either carries Force or echoes the
	// ConfirmToken from the first round trip.
	Force        bool   `json:"force,omitempty"`
	ConfirmToken string `json:"confirm_token,omitempty"`
}

// Response carries the outcome. ConfirmToken is set when the operation
// needs a confirming second request before it runs.
type Response struct {
	OK           bool            `json:"ok"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	ConfirmToken string          `json:"confirm_token,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ReplayedEvent is the wire form of one retained bus event.
type ReplayedEvent struct {
	Topic   string          `json:"topic"`
	TruckID string          `json:"truck_id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// EstimatorControl is the slice of the estimator manager the control plane
// drives.
type EstimatorControl interface {
	Snapshot(truckID string) (estimator.TruckSnapshot, error)
	FleetSnapshot() []estimator.TruckSnapshot
	History(ctx context.Context, truckID string, window time.Duration) ([]estimator.Reading, error)
	ResetEKF(truckID string) error
	ResetIdle(truckID string) error
	CloseDriverSession(truckID, driverID string) (*estimator.DriverSession, error)
}

func okJSON(v interface{}) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Result: raw}
}

func fail(err error) Response { return Response{Error: err.Error()} }
