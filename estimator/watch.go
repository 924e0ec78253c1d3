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
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetbeacon/fuelcore/internal/logs"
)

// ConfigWatcher re-reads the fleet config file on change and applies the
// hot-reloadable slice (thresholds and activity classification). Changes
// to anything else are logged as requiring a restart and otherwise
// ignored; the running static configuration stays authoritative.
type ConfigWatcher struct {
	path   string
	last   FleetConfig
	apply  func(*Runtime)
	logger logs.StructuredLogger
}

func NewConfigWatcher(path string, initial FleetConfig, apply func(*Runtime), logger logs.StructuredLogger) *ConfigWatcher {
	return &ConfigWatcher{path: path, last: initial, apply: apply, logger: logger}
}

// Run blocks until ctx is done. The watch is on the config file's
// directory: editors and config management tools typically replace the
// file by rename, which a file-level watch loses track of.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Infof("watching %s for threshold and geofence changes", w.path)

	// Saves arrive as bursts of events; the timer coalesces a burst into
	// one reload.
	var pending *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("config watch error: %v", err)
		case <-reload:
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	input, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warnf("config reload: %v", err)
		return
	}
	next, err := ParseFleetConfigAndValidate(input)
	if err != nil {
		w.logger.Warnf("config reload rejected, keeping running config: %v", err)
		return
	}
	if !staticSectionsEqual(w.last, next) {
		w.logger.Warnf("config changes outside thresholds and activity_classification require a restart; keeping the running values")
	}
	if reflect.DeepEqual(w.last.Thresholds, next.Thresholds) &&
		reflect.DeepEqual(w.last.Activity, next.Activity) {
		return
	}
	w.apply(next.Runtime())
	// Absorb only the hot slice: w.last keeps describing what is running.
	w.last.Thresholds = next.Thresholds
	w.last.Activity = next.Activity
	w.logger.Infof("applied updated thresholds and geofences from %s", w.path)
}

// staticSectionsEqual compares everything outside the hot-reloadable
// slice.
func staticSectionsEqual(a, b FleetConfig) bool {
	a.Thresholds, b.Thresholds = Thresholds{}, Thresholds{}
	a.Activity, b.Activity = ActivityClassification{}, ActivityClassification{}
	return reflect.DeepEqual(a, b)
}
