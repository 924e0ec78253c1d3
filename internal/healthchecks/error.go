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

package healthchecks

// CheckError is a startup failure an operator can act on without reading
// source: a stable code for support, the failure class, and the fix.
type CheckError struct {
	Code         string
	Class        string
	Message      string
	Action       string
	ResourceLink string
	IsFatal      bool
	Err          error
}

func (e CheckError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e CheckError) Unwrap() error { return e.Err }

const troubleshootingLink = "https://github.com/fleetbeacon/fuelcore#troubleshooting"

var (
	StateDirErr = CheckError{
		Code:         "StateDirErr",
		Class:        "PERMISSION",
		Message:      "The state directory is not writable.",
		Action:       "Create the configured state_dir and make sure the daemon's user can write to it.",
		ResourceLink: troubleshootingLink,
		IsFatal:      true,
	}
	AdminSocketErr = CheckError{
		Code:         "AdminSocketErr",
		Class:        "SOCKET",
		Message:      "The admin socket path cannot be used.",
		Action:       "Stop the other daemon using the socket, or point admin_socket somewhere writable.",
		ResourceLink: troubleshootingLink,
		IsFatal:      true,
	}
	MetricsPortErr = CheckError{
		Code:         "MetricsPortErr",
		Class:        "PORT",
		Message:      "The metrics listen address is unavailable.",
		Action:       "Free the configured metrics_address port or pick another one.",
		ResourceLink: troubleshootingLink,
		IsFatal:      true,
	}
	ConfigErr = CheckError{
		Code:         "ConfigErr",
		Class:        "CONFIG",
		Message:      "The fleet configuration is not semantically valid.",
		Action:       "Fix the reported fields in the fleet config file.",
		ResourceLink: troubleshootingLink,
		IsFatal:      true,
	}
)

// withErr attaches the concrete cause to a predefined check error.
func (e CheckError) withErr(err error) CheckError {
	e.Err = err
	return e
}
