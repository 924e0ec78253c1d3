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

// Activity is the derived per-reading classification of what the truck
// is doing. OFFLINE is special: it is assigned by the staleness sweep,
// never by per-reading classification.
type Activity string

const (
	ActivityUnknown           Activity = "UNKNOWN"
	ActivityDriving           Activity = "DRIVING"
	ActivityProductiveIdle    Activity = "PRODUCTIVE_IDLE"
	ActivityNonProductiveIdle Activity = "NON_PRODUCTIVE_IDLE"
	ActivityEngineOff         Activity = "ENGINE_OFF"
	ActivityOffline           Activity = "OFFLINE"
)

// Idle reports whether the idle filter should consume this reading.
func (a Activity) Idle() bool {
	return a == ActivityProductiveIdle || a == ActivityNonProductiveIdle
}

// classifyActivity derives the activity from rpm and speed. Productive
// vs non-productive idle is decided by the caller's geofence lookup.
// When neither channel can decide, the previous classification carries,
// except that a carried OFFLINE needs a decidable reading to leave.
func classifyActivity(rpm, speed *float64, drivingThresholdMPH float64, inProductiveFence bool, prev Activity) Activity {
	switch {
	case rpm != nil && *rpm == 0:
		return ActivityEngineOff
	case speed != nil && *speed > drivingThresholdMPH:
		return ActivityDriving
	case speed != nil && rpm != nil && *rpm > 0:
		if inProductiveFence {
			return ActivityProductiveIdle
		}
		return ActivityNonProductiveIdle
	case prev == ActivityOffline:
		// Any reading at all means the truck is back, even if the
		// reading cannot classify what it is doing.
		return ActivityUnknown
	default:
		return prev
	}
}
