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

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
)

// StateDirCheck verifies the checkpoint/archive directory is writable by
// actually writing to it.
type StateDirCheck struct {
	Dir string
}

func (c StateDirCheck) Name() string { return "State Dir Check" }

func (c StateDirCheck) RunCheck(logger logs.StructuredLogger) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return StateDirErr.withErr(fmt.Errorf("creating %s: %w", c.Dir, err))
	}
	probe := filepath.Join(c.Dir, ".fuelcore-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return StateDirErr.withErr(fmt.Errorf("writing probe file in %s: %w", c.Dir, err))
	}
	if err := os.Remove(probe); err != nil {
		return StateDirErr.withErr(fmt.Errorf("removing probe file in %s: %w", c.Dir, err))
	}
	logger.Debugf("state dir %s is writable", c.Dir)
	return nil
}

// AdminSocketCheck verifies the admin socket path can be bound. A socket
// file that still answers means another daemon owns it; a dead file is
// fine, the server clears it at bind time.
type AdminSocketCheck struct {
	Path string
}

func (c AdminSocketCheck) Name() string { return "Admin Socket Check" }

func (c AdminSocketCheck) RunCheck(logger logs.StructuredLogger) error {
	if _, err := os.Stat(c.Path); err == nil {
		probe, err := net.DialTimeout("unix", c.Path, time.Second)
		if err == nil {
			probe.Close()
			return AdminSocketErr.withErr(fmt.Errorf("socket %s is served by a running daemon", c.Path))
		}
		logger.Debugf("admin socket %s exists but is dead, bind will clear it", c.Path)
		return nil
	}
	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return AdminSocketErr.withErr(fmt.Errorf("creating socket dir %s: %w", dir, err))
	}
	ln, err := net.Listen("unix", c.Path)
	if err != nil {
		return AdminSocketErr.withErr(fmt.Errorf("binding %s: %w", c.Path, err))
	}
	ln.Close()
	return nil
}

// MetricsPortCheck verifies the diagnostics listener's address is free.
type MetricsPortCheck struct {
	Address string
}

func (c MetricsPortCheck) Name() string { return "Metrics Port Check" }

func (c MetricsPortCheck) RunCheck(logger logs.StructuredLogger) error {
	ln, err := net.Listen("tcp", c.Address)
	if err != nil {
		return MetricsPortErr.withErr(fmt.Errorf("listening on %s: %w", c.Address, err))
	}
	ln.Close()
	logger.Debugf("metrics address %s is free", c.Address)
	return nil
}

// ConfigCheck re-runs semantic validation so a bad config fails here, with
// the other environment findings, rather than deep in startup.
type ConfigCheck struct {
	Config *estimator.FleetConfig
}

func (c ConfigCheck) Name() string { return "Fleet Config Check" }

func (c ConfigCheck) RunCheck(logger logs.StructuredLogger) error {
	if err := c.Config.Validate(); err != nil {
		return ConfigErr.withErr(err)
	}
	logger.Debugf("fleet config is semantically valid for %d trucks", len(c.Config.TankSpecs))
	return nil
}
