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

// Package healthchecks validates the daemon's environment before anything
// starts: state directory, admin socket, metrics port, and config
// semantics. A fatal failure aborts startup with an actionable message
// instead of a half-running daemon.
package healthchecks

import (
	"errors"
	"fmt"

	"github.com/fleetbeacon/fuelcore/internal/logs"
)

// Check is one startup validation.
type Check interface {
	Name() string
	RunCheck(logger logs.StructuredLogger) error
}

// Registry is an ordered list of checks run before the agent boots.
type Registry []Check

// RunAll runs every check, logs each outcome, and returns a per-check
// result map plus an error if any fatal check failed. Non-fatal failures
// are reported but do not stop startup.
func (r Registry) RunAll(logger logs.StructuredLogger) (map[string]string, error) {
	results := map[string]string{}
	var fatal error
	for _, c := range r {
		var message string
		err := c.RunCheck(logger)
		var checkErr CheckError
		switch {
		case err == nil:
			message = fmt.Sprintf("%s - Result: PASS", c.Name())
		case errors.As(err, &checkErr):
			message = fmt.Sprintf("%s - Result: FAIL, ERROR_CODE: %s, Failure: %s, Solution: %s",
				c.Name(), checkErr.Code, checkErr.Message, checkErr.Action)
			if checkErr.IsFatal && fatal == nil {
				fatal = checkErr
			}
		default:
			message = fmt.Sprintf("%s - Result: ERROR, Detail: %s", c.Name(), err.Error())
			if fatal == nil {
				fatal = err
			}
		}
		if err != nil {
			logger.Errorf("%s", message)
		} else {
			logger.Infof("%s", message)
		}
		results[c.Name()] = message
	}
	return results, fatal
}
