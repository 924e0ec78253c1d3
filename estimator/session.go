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

package estimator

import (
	"time"

	"github.com/google/uuid"
)

// DriverSession is the identity of one driver's shift on one truck.
// Scoring happens downstream off the event stream; the tracker only
// decides when a session begins and ends.
type DriverSession struct {
	ID        string    `yaml:"id" json:"id"`
	DriverID  string    `yaml:"driver_id" json:"driver_id"`
	StartedAt time.Time `yaml:"started_at" json:"started_at"`
}

type sessionTracker struct {
	cur *DriverSession
}

// observe applies one reading's driver assignment. A reading without a
// driver ID belongs to whatever session is open. A new driver ID closes
// the current session and opens a fresh one.
func (t *sessionTracker) observe(at time.Time, driverID string) (closed *DriverSession) {
	if driverID == "" {
		return nil
	}
	if t.cur != nil && t.cur.DriverID == driverID {
		return nil
	}
	closed = t.cur
	t.cur = &DriverSession{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		StartedAt: at,
	}
	return closed
}

// close ends the open session, if any. Used when the truck goes offline
// and by operator resets.
func (t *sessionTracker) close() *DriverSession {
	closed := t.cur
	t.cur = nil
	return closed
}

func (t *sessionTracker) current() *DriverSession { return t.cur }

func (t *sessionTracker) Clone() *sessionTracker {
	out := &sessionTracker{}
	if t.cur != nil {
		c := *t.cur
		out.cur = &c
	}
	return out
}
