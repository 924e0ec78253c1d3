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

package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
)

// ErrSourceDrained reports that a finite source has delivered everything it
// will ever deliver. The poller stops cleanly instead of retrying.
var ErrSourceDrained = errors.New("telemetry source drained")

// Source is the boundary to the telemetry feed. Implementations must honor
// ctx cancellation; an empty batch with a nil error means the feed is idle.
type Source interface {
	Fetch(ctx context.Context) ([]estimator.Reading, error)
}

// JSONLinesSource reads newline-delimited Reading JSON from a stream,
// typically stdin or a named pipe. It is the bundled transport for feeding
// the daemon without a fleet-specific adapter.
type JSONLinesSource struct {
	scanner   *bufio.Scanner
	logger    logs.StructuredLogger
	batchSize int
}

// NewJSONLinesSource wraps r. batchSize caps readings per Fetch; zero means
// 100.
func NewJSONLinesSource(r io.Reader, logger logs.StructuredLogger, batchSize int) *JSONLinesSource {
	if batchSize <= 0 {
		batchSize = 100
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &JSONLinesSource{scanner: sc, logger: logger, batchSize: batchSize}
}

// Fetch returns the next batch. Lines that fail to decode or fail basic
// validation are logged and skipped; EOF surfaces as ErrSourceDrained once
// any decoded readings have been delivered.
func (s *JSONLinesSource) Fetch(ctx context.Context) ([]estimator.Reading, error) {
	var batch []estimator.Reading
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return batch, err
			}
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, ErrSourceDrained
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r estimator.Reading
		if err := json.Unmarshal(line, &r); err != nil {
			s.logger.Warnf("telemetry line skipped, bad JSON: %v", err)
			continue
		}
		if err := r.CheckBasic(); err != nil {
			s.logger.Warnf("telemetry line skipped: %v", err)
			continue
		}
		batch = append(batch, r)
	}
	return batch, nil
}
