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

// Package agent assembles the daemon: config, environment checks, the
// event bus, the estimator, the read-side services, persistence, ingest,
// the admin socket and the diagnostics listeners. cmd/fuelcored is a thin
// shell around Application.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/fleetbeacon/fuelcore/admin"
	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/ingest"
	"github.com/fleetbeacon/fuelcore/internal/clock"
	"github.com/fleetbeacon/fuelcore/internal/healthchecks"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/fleetbeacon/fuelcore/internal/selfmetrics"
	"github.com/fleetbeacon/fuelcore/persist"
	"github.com/fleetbeacon/fuelcore/services"
)

// Options carries the pluggable collaborators. Zero values select the
// production paths: no telemetry source, the real clock, the default
// Prometheus registerer and the OS filesystem for the state dir.
type Options struct {
	Source     ingest.Source
	Clock      clock.Clock
	Registerer prometheus.Registerer
	Filesystem afero.Fs
}

// Application owns the wired subsystems. Construction (New) is where
// everything that can fail fails: config parse, environment checks,
// checkpoint restore. Run only moves data.
type Application struct {
	cfg        estimator.FleetConfig
	cfgPath    string
	logger     logs.StructuredLogger
	clock      clock.Clock
	registerer prometheus.Registerer
	sweepEvery time.Duration

	Bus      *bus.Bus
	Manager  *estimator.Manager
	Services *services.Registry
	Store    *persist.FileStore
	Emitter  *persist.Emitter
	Pool     *ingest.Pool
	Poller   *ingest.Poller
	Admin    *admin.Server
}

func New(ctx context.Context, cfgPath string, logger logs.StructuredLogger, opts Options) (*Application, error) {
	input, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("reading fleet config: %w", err)
	}
	cfg, err := estimator.ParseFleetConfigAndValidate(input)
	if err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fsys := opts.Filesystem
	realFS := fsys == nil
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	if _, err := environmentChecks(cfg, realFS).RunAll(logger); err != nil {
		return nil, err
	}

	b := bus.New(logger, bus.Options{})

	var store *persist.FileStore
	var history estimator.HistorySource
	if cfg.StateDir != "" {
		store = persist.NewFileStore(fsys, cfg.StateDir)
		history = store
	}

	manager, err := estimator.NewManager(cfg, b, logger, estimator.ManagerOptions{Clock: clk, History: history})
	if err != nil {
		return nil, err
	}

	app := &Application{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		clock:      clk,
		registerer: reg,
		sweepEvery: sweepInterval(cfg.Thresholds.StaleAfter()),
		Bus:        b,
		Manager:    manager,
		Services:   services.New(cfg, b, logger, services.Options{}),
		Store:      store,
	}

	if store != nil {
		app.Emitter = persist.NewEmitter(store, logger, persist.EmitterOptions{})
		if err := app.restore(ctx); err != nil {
			return nil, err
		}
		// Replayed readings re-publish their events for the read-side
		// services; the archive tap attaches afterwards so those events
		// are not recorded twice.
		app.Emitter.AttachBus(b)
	}

	app.Pool = ingest.NewPool(archiveSink{manager, app.Emitter}, logger, ingest.PoolOptions{
		Workers:       cfg.WorkerPoolSize,
		QueueDepth:    cfg.PerTruckQueueDepth,
		DrainDeadline: cfg.GracefulShutdownDeadline(),
		Clock:         clk,
	})
	if opts.Source != nil {
		app.Poller = ingest.NewPoller(opts.Source, app.Pool, logger, ingest.PollerOptions{})
	}
	if cfg.AdminSocket != "" {
		ctl := adminControl{Manager: manager, driver: app.Services.Driver, clock: clk}
		app.Admin = admin.NewServer(cfg.AdminSocket, ctl, b, logger, admin.ServerOptions{Clock: clk})
	}
	return app, nil
}

// environmentChecks builds the fail-fast startup registry. The state dir
// probe only makes sense against the real filesystem.
func environmentChecks(cfg estimator.FleetConfig, realFS bool) healthchecks.Registry {
	reg := healthchecks.Registry{healthchecks.ConfigCheck{Config: &cfg}}
	if realFS && cfg.StateDir != "" {
		reg = append(reg, healthchecks.StateDirCheck{Dir: cfg.StateDir})
	}
	if cfg.AdminSocket != "" {
		reg = append(reg, healthchecks.AdminSocketCheck{Path: cfg.AdminSocket})
	}
	if cfg.MetricsAddress != "" {
		reg = append(reg, healthchecks.MetricsPortCheck{Address: cfg.MetricsAddress})
	}
	return reg
}

// restore loads the latest checkpoint and replays readings archived after
// each truck's checkpointed position. The coordinator drops anything it
// already committed, so replaying from the boundary is safe.
func (a *Application) restore(ctx context.Context) error {
	cp, found, err := a.Store.LoadLatest()
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if !found {
		a.logger.Infof("no checkpoint in %s, starting fresh", a.cfg.StateDir)
		return nil
	}
	a.Manager.RestoreStates(cp.Trucks)

	replayed := 0
	now := a.clock.Now()
	for _, id := range a.Manager.TruckIDs() {
		var from time.Time
		if st, ok := cp.Trucks[id]; ok {
			from = st.LastProcessed
		}
		rs, err := a.Store.Readings(ctx, id, from, now)
		if err != nil {
			return fmt.Errorf("replaying archive for %s: %w", id, err)
		}
		for _, r := range rs {
			if err := a.Manager.Process(r); err == nil {
				replayed++
			}
		}
	}
	a.logger.Infof("restored %d trucks from checkpoint saved %s, replayed %d archived readings",
		len(cp.Trucks), cp.SavedAt.Format(time.RFC3339), replayed)
	return nil
}

// Run moves data until ctx is done, then drains: ingest stops and flushes
// its queues first, persistence keeps accepting until everything upstream
// has stopped, and the final flush happens last.
func (a *Application) Run(ctx context.Context) error {
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	var persistGroup errgroup.Group
	if a.Emitter != nil {
		persistGroup.Go(func() error { return a.Emitter.Run(persistCtx) })
	}

	eg, runCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.Pool.Run(runCtx) })
	if a.Poller != nil {
		eg.Go(func() error { return a.Poller.Run(runCtx) })
	}
	eg.Go(func() error {
		a.Manager.RunStalenessSweep(runCtx, a.sweepEvery)
		return nil
	})
	if a.Emitter != nil {
		eg.Go(func() error {
			persist.RunCheckpointLoop(runCtx, a.cfg.CheckpointInterval(), a.Manager, a.Emitter, a.clock, a.logger)
			return nil
		})
	}
	if a.Admin != nil {
		eg.Go(func() error { return a.Admin.Run(runCtx) })
	}
	watcher := estimator.NewConfigWatcher(a.cfgPath, a.cfg, a.applyRuntime, a.logger)
	eg.Go(func() error { return watcher.Run(runCtx) })
	eg.Go(func() error {
		return selfmetrics.CollectFleetSelfMetrics(runCtx, a.fleetStats, a.registerer, a.logger)
	})
	a.serveMetrics(runCtx, eg)

	a.logger.Infof("fuelcore running: %d trucks, metrics on %s", len(a.Manager.TruckIDs()), a.cfg.MetricsAddress)
	err := eg.Wait()

	stopPersist()
	err = multierr.Append(err, persistGroup.Wait())
	a.logger.Infof("fuelcore stopped")
	return err
}

func (a *Application) applyRuntime(rt *estimator.Runtime) {
	a.Manager.ApplyRuntime(rt)
	a.Services.ApplyRuntime(rt)
}

func (a *Application) serveMetrics(ctx context.Context, eg *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddress, Handler: mux}
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warnf("metrics listener shutdown: %v", err)
		}
		return nil
	})
	eg.Go(func() error {
		a.logger.Infof("metrics listening on %s", a.cfg.MetricsAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
}

// fleetStats is the scrape-time observation behind the self metrics
// gauges.
func (a *Application) fleetStats() selfmetrics.FleetStats {
	snaps := a.Manager.FleetSnapshot()
	stats := selfmetrics.FleetStats{TrucksByActivity: make(map[string]int, 4)}
	var burn float64
	var burning int
	for _, s := range snaps {
		stats.TrucksByActivity[s.Activity]++
		if s.Stale {
			stats.TrucksStale++
		}
		if !s.At.IsZero() {
			burn += s.ConsumptionGPH
			burning++
		}
	}
	if burning > 0 {
		stats.AvgConsumptionGPH = burn / float64(burning)
	}
	return stats
}

// sweepInterval picks the staleness sweep cadence: a quarter of the
// threshold, clamped so tiny test thresholds do not spin and huge ones do
// not delay the OFFLINE transition past half a minute.
func sweepInterval(staleAfter time.Duration) time.Duration {
	iv := staleAfter / 4
	if iv > 30*time.Second {
		iv = 30 * time.Second
	}
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// adminControl fronts the manager for the control plane. Session state
// has two owners (the coordinator holds identity, the behavior service
// holds the rolling aggregates), so the operator close reaches both and
// the scored report still publishes.
type adminControl struct {
	*estimator.Manager
	driver *services.DriverBehaviorService
	clock  clock.Clock
}

func (a adminControl) CloseDriverSession(truckID, driverID string) (*estimator.DriverSession, error) {
	closed, err := a.Manager.CloseDriverSession(truckID, driverID)
	if err != nil {
		return nil, err
	}
	a.driver.ForceClose(truckID, driverID, a.clock.Now())
	return closed, nil
}

// archiveSink feeds the estimator and mirrors every accepted reading onto
// the archive stream. Rejected readings are counted by the manager and
// stay out of history.
type archiveSink struct {
	manager *estimator.Manager
	emitter *persist.Emitter
}

func (s archiveSink) Process(r estimator.Reading) error {
	if err := s.manager.Process(r); err != nil {
		return err
	}
	if s.emitter != nil {
		s.emitter.ArchiveReading(r)
	}
	return nil
}
