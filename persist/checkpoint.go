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

// Package persist buffers estimator output toward durable storage: periodic
// checkpoints of the full per-truck filter state, the event stream, and an
// archive of raw readings that backs history queries and crash replay.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/blang/semver"
	yaml "github.com/goccy/go-yaml"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/clock"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
)

// SchemaVersion stamps every checkpoint. Bump the major on any change that
// an older loader could misread; loaders refuse checkpoints from a newer
// major.
const SchemaVersion = "1.0.0"

// Stream names, used for drop accounting and the backpressure policy.
const (
	StreamSnapshot = "estimator_snapshot"
	StreamEvent    = "event"
	StreamArchive  = "reading_archive"
)

// Checkpoint is one consistent cut of every truck's estimator state.
// Restoring it and replaying the readings archived after SavedAt reproduces
// the uninterrupted run.
type Checkpoint struct {
	SchemaVersion string                                `yaml:"schema_version"`
	SavedAt       time.Time                             `yaml:"saved_at"`
	Trucks        map[string]estimator.CoordinatorState `yaml:"trucks"`
}

// EncodeCheckpoint serializes cp, stamping the current schema version.
func EncodeCheckpoint(cp Checkpoint) ([]byte, error) {
	cp.SchemaVersion = SchemaVersion
	out, err := yaml.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return out, nil
}

// DecodeCheckpoint parses data and enforces schema compatibility: a
// checkpoint written by a newer major version is refused rather than
// silently misread.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parsing checkpoint: %w", err)
	}
	saved, err := semver.Parse(cp.SchemaVersion)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint schema_version %q: %w", cp.SchemaVersion, err)
	}
	current := semver.MustParse(SchemaVersion)
	if saved.Major > current.Major {
		return Checkpoint{}, fmt.Errorf("checkpoint schema %s is newer than supported %s", cp.SchemaVersion, SchemaVersion)
	}
	return cp, nil
}

// StateExporter is the slice of the estimator manager the checkpoint loop
// needs.
type StateExporter interface {
	ExportStates() map[string]estimator.CoordinatorState
}

// RunCheckpointLoop emits a checkpoint every interval until ctx is
// cancelled, then emits one final checkpoint so a clean shutdown loses
// nothing.
func RunCheckpointLoop(ctx context.Context, interval time.Duration, src StateExporter, em *Emitter, clk clock.Clock, logger logs.StructuredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			em.EmitCheckpoint(checkpointOf(src, clk))
			return
		case <-ticker.C:
			cp := checkpointOf(src, clk)
			em.EmitCheckpoint(cp)
			logger.Debugf("checkpoint queued for %d trucks", len(cp.Trucks))
		}
	}
}

func checkpointOf(src StateExporter, clk clock.Clock) Checkpoint {
	return Checkpoint{
		SchemaVersion: SchemaVersion,
		SavedAt:       clk.Now(),
		Trucks:        src.ExportStates(),
	}
}

// Store is the durable side the emitter writes to.
type Store interface {
	SaveCheckpoint(cp Checkpoint) error
	AppendEvent(ev bus.Event) error
	AppendReading(r estimator.Reading) error
}

func countDrop(stream string) {
	metrics.PersistDropped.WithLabelValues(stream).Inc()
}
