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

package persist

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
)

const (
	checkpointFile = "checkpoint.yaml"
	eventsFile     = "events.csv"
	readingsDir    = "readings"
)

var readingHeader = []string{
	"at", "truck_id", "driver_id",
	"fuel_level_pct", "ecu_total_fuel_l", "ecu_fuel_rate_gph", "ecu_idle_fuel_gal",
	"speed_mph", "rpm", "engine_load_pct", "altitude_ft", "ambient_temp_f",
	"latitude", "longitude",
}

var eventHeader = []string{"at", "topic", "truck_id", "payload"}

// FileStore keeps checkpoints, the event log, and the reading archive under
// one state directory. The filesystem is abstracted so tests run on an
// in-memory one; the write granularity is one open-append-close per record,
// trading syscalls for crash safety.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore roots a store at dir on fsys.
func NewFileStore(fsys afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fsys, dir: dir}
}

// SaveCheckpoint writes the checkpoint atomically: full write to a temp
// file, then rename over the previous one.
func (s *FileStore) SaveCheckpoint(cp Checkpoint) error {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	final := filepath.Join(s.dir, checkpointFile)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the stored checkpoint, or found=false when none has
// been written yet.
func (s *FileStore) LoadLatest() (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, checkpointFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("reading checkpoint: %w", err)
	}
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// AppendEvent appends one event row: timestamp, topic, truck, JSON payload.
func (s *FileStore) AppendEvent(ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Topic(), err)
	}
	row := []string{
		ev.OccurredAt().UTC().Format(time.RFC3339Nano),
		string(ev.Topic()),
		ev.Truck(),
		string(payload),
	}
	return s.appendRow(filepath.Join(s.dir, eventsFile), eventHeader, row)
}

// AppendReading appends one archive row to the truck's CSV.
func (s *FileStore) AppendReading(r estimator.Reading) error {
	row := []string{
		r.At.UTC().Format(time.RFC3339Nano),
		r.TruckID,
		r.DriverID,
		optStr(r.FuelLevelPct), optStr(r.ECUTotalFuelL), optStr(r.ECUFuelRateGPH), optStr(r.ECUIdleFuelGal),
		optStr(r.SpeedMPH), optStr(r.RPM), optStr(r.EngineLoadPct), optStr(r.AltitudeFt), optStr(r.AmbientTempF),
		optStr(r.Latitude), optStr(r.Longitude),
	}
	return s.appendRow(s.readingsPath(r.TruckID), readingHeader, row)
}

// Readings returns the archived readings for one truck inside [from, to],
// oldest first. It satisfies the estimator's history source.
func (s *FileStore) Readings(ctx context.Context, truckID string, from, to time.Time) ([]estimator.Reading, error) {
	s.mu.Lock()
	data, err := afero.ReadFile(s.fs, s.readingsPath(truckID))
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", truckID, err)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = len(readingHeader)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing archive for %s: %w", truckID, err)
	}
	var out []estimator.Reading
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := parseReadingRow(row)
		if err != nil {
			return nil, fmt.Errorf("archive row %d for %s: %w", i+1, truckID, err)
		}
		if r.At.Before(from) || r.At.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *FileStore) readingsPath(truckID string) string {
	return filepath.Join(s.dir, readingsDir, sanitizeID(truckID)+".csv")
}

func (s *FileStore) appendRow(path string, header, row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return err
	}
	f, err := s.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(header); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Write(row); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseReadingRow(row []string) (estimator.Reading, error) {
	at, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return estimator.Reading{}, err
	}
	r := estimator.Reading{At: at, TruckID: row[1], DriverID: row[2]}
	dests := []**float64{
		&r.FuelLevelPct, &r.ECUTotalFuelL, &r.ECUFuelRateGPH, &r.ECUIdleFuelGal,
		&r.SpeedMPH, &r.RPM, &r.EngineLoadPct, &r.AltitudeFt, &r.AmbientTempF,
		&r.Latitude, &r.Longitude,
	}
	for i, dest := range dests {
		p, err := optParse(row[3+i])
		if err != nil {
			return estimator.Reading{}, fmt.Errorf("column %s: %w", readingHeader[3+i], err)
		}
		*dest = p
	}
	return r, nil
}

func optStr(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'g', -1, 64)
}

func optParse(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// sanitizeID keeps truck IDs filesystem-safe without losing uniqueness for
// the character sets fleets actually use.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
