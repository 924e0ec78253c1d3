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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fleetbeacon/fuelcore/internal/logs"
)

const watchBaseConfig = `
tank_specs:
  T100:
    capacity_l: 500
    shape: cylinder
thresholds:
  low_fuel_pct: 10
`

// startWatcher runs a ConfigWatcher over a real temp file and returns the
// config path plus a channel of applied runtimes.
func startWatcher(t *testing.T) (string, chan *Runtime) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fuelcore.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(watchBaseConfig), 0644))

	cfg, err := ParseFleetConfigAndValidate([]byte(watchBaseConfig))
	assert.NilError(t, err)

	applied := make(chan *Runtime, 4)
	w := NewConfigWatcher(path, cfg, func(rt *Runtime) { applied <- rt }, logs.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NilError(t, <-done)
	})

	// Give the directory watch a moment to establish before the test
	// rewrites the file.
	time.Sleep(200 * time.Millisecond)
	return path, applied
}

func expectApply(t *testing.T, applied chan *Runtime) *Runtime {
	t.Helper()
	select {
	case rt := <-applied:
		return rt
	case <-time.After(5 * time.Second):
		t.Fatal("config change was never applied")
		return nil
	}
}

func expectNoApply(t *testing.T, applied chan *Runtime) {
	t.Helper()
	select {
	case <-applied:
		t.Fatal("unexpected runtime apply")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestWatcherAppliesThresholdChange(t *testing.T) {
	path, applied := startWatcher(t)

	next := watchBaseConfig + "  alert_dedup_minutes: 3\n"
	assert.NilError(t, os.WriteFile(path, []byte(next), 0644))

	rt := expectApply(t, applied)
	assert.Equal(t, rt.Thresholds.AlertDedupMinutes, 3.0)
	// Untouched thresholds keep their running values.
	assert.Equal(t, rt.Thresholds.LowFuelPct, 10.0)
}

func TestWatcherKeepsRunningConfigOnBadReload(t *testing.T) {
	path, applied := startWatcher(t)

	assert.NilError(t, os.WriteFile(path, []byte(":: not yaml ::"), 0644))
	expectNoApply(t, applied)

	// The watcher must survive the bad file and pick up the next good one.
	good := watchBaseConfig + "  high_consumption_ratio: 2.0\n"
	assert.NilError(t, os.WriteFile(path, []byte(good), 0644))

	rt := expectApply(t, applied)
	assert.Equal(t, rt.Thresholds.HighConsumptionRatio, 2.0)
}

func TestWatcherIgnoresStaticOnlyChanges(t *testing.T) {
	path, applied := startWatcher(t)

	next := watchBaseConfig + "worker_pool_size: 8\n"
	assert.NilError(t, os.WriteFile(path, []byte(next), 0644))
	expectNoApply(t, applied)
}

func TestWatcherIgnoresOtherFilesInDirectory(t *testing.T) {
	path, applied := startWatcher(t)

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	assert.NilError(t, os.WriteFile(other, []byte("scratch"), 0644))
	expectNoApply(t, applied)
}
