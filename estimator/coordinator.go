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
	"sync"
	"time"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator/fusion"
	"github.com/fleetbeacon/fuelcore/estimator/kalman"
	"github.com/fleetbeacon/fuelcore/estimator/tank"
	"github.com/fleetbeacon/fuelcore/geo"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/fleetbeacon/fuelcore/internal/ring"
)

const (
	feetPerMeter   = 3.28084
	metersPerMile  = 1609.344
	procErrorsKept = 32

	// A truck returning from a long gap predicts at most one hour of
	// burn; the next level reading re-anchors the volume.
	maxPredictGapHours = 1.0

	// Fused output is preferred over the raw EKF estimate above this
	// cross-channel confidence.
	fusionPreferenceConfidence = 0.6
)

type procError struct {
	At     time.Time
	Reason string
}

// Coordinator runs the per-reading pipeline for one truck: validate and
// order, predict, feed each sensor channel through fusion and the
// matching filter update, classify activity, detect refuels, then commit
// and publish. Process is single-writer (the owning ingest worker);
// everyone else reads snapshots under the read lock.
//
// Commits are copy-on-write: the pipeline works on clones and swaps them
// in whole, so a failure mid-pipeline leaves the committed state intact
// and readers never see a half-applied update.
type Coordinator struct {
	truckID   string
	spec      tank.Spec
	model     tank.Model
	tuning    kalman.Tuning
	fusionCfg fusion.Config
	mode      string

	runtime func() *Runtime
	bus     *bus.Bus
	logger  logs.StructuredLogger

	mu sync.RWMutex

	ekf     *kalman.FuelEKF
	idle    *kalman.IdleFilter
	fuse    *fusion.Engine
	simple  *simpleEstimator
	refuel  *refuelDetector
	session *sessionTracker

	activity       Activity
	lastProcessed  time.Time
	haveProcessed  bool
	lastReading    Reading
	fusionAnchored bool
	dataSource     string

	// gen bumps on operator resets; a reading whose pipeline straddled a
	// reset is discarded at commit instead of resurrecting pre-reset state.
	gen uint64

	published  TruckSnapshot
	lastRefuel *RefuelSnapshot
	errs       *ring.Ring[procError]
}

func newCoordinator(truckID string, spec tank.Spec, cfg FleetConfig, runtime func() *Runtime, b *bus.Bus, logger logs.StructuredLogger) (*Coordinator, error) {
	model, known := tank.ModelFor(spec)
	if !known {
		logger.Warnf("truck %s: unknown tank shape %q, substituting the linear model", truckID, spec.Shape)
	}
	tuning, err := cfg.TuningFor(truckID)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		truckID:    truckID,
		spec:       spec,
		model:      model,
		tuning:     tuning,
		fusionCfg:  cfg.FusionConfigFor(spec),
		mode:       cfg.EstimatorMode,
		runtime:    runtime,
		bus:        b,
		logger:     logger,
		idle:       kalman.NewIdleFilter(),
		simple:     newSimpleEstimator(spec),
		refuel:     newRefuelDetector(spec),
		session:    &sessionTracker{},
		activity:   ActivityUnknown,
		dataSource: DataSourceFresh,
		errs:       ring.New[procError](procErrorsKept),
	}
	c.ekf = kalman.NewFuelEKF(spec, model, tuning)
	c.fuse = fusion.New(c.fusionCfg)
	c.published = TruckSnapshot{
		TruckID:    truckID,
		DataSource: DataSourceFresh,
		Activity:   string(ActivityUnknown),
		Source:     c.publishSourceName(),
	}
	return c, nil
}

func (c *Coordinator) publishSourceName() string {
	if c.mode == "simple" {
		return SourceSimple
	}
	return SourceEKF
}

// working is the pipeline's scratch state: full clones of every mutable
// component plus the scalar bookkeeping that travels with them.
type working struct {
	ekf     *kalman.FuelEKF
	idle    *kalman.IdleFilter
	fuse    *fusion.Engine
	simple  *simpleEstimator
	refuel  *refuelDetector
	session *sessionTracker

	fusionAnchored bool
	prevActivity   Activity
	prevPublished  TruckSnapshot
	lastRefuel     *RefuelSnapshot
	gen            uint64
}

func (c *Coordinator) workingCopy() working {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w := working{
		simple:         c.simple.Clone(),
		refuel:         c.refuel.Clone(),
		session:        c.session.Clone(),
		fusionAnchored: c.fusionAnchored,
		prevActivity:   c.activity,
		prevPublished:  c.published,
		lastRefuel:     c.lastRefuel,
		gen:            c.gen,
	}
	w.ekf = kalman.NewFuelEKF(c.spec, c.model, c.tuning)
	w.ekf.Restore(c.ekf.State())
	w.idle = kalman.NewIdleFilter()
	w.idle.Restore(c.idle.State())
	w.fuse = fusion.New(c.fusionCfg)
	w.fuse.Restore(c.fuse.State())
	return w
}

// Process runs one reading through the pipeline. Out-of-order and
// duplicate readings are dropped with a counter and no state change.
// Never called concurrently for the same truck.
func (c *Coordinator) Process(r Reading) error {
	if err := r.CheckBasic(); err != nil {
		metrics.ReadingsDropped.WithLabelValues("invalid").Inc()
		c.recordError(r.At, err.Error())
		return err
	}
	if c.haveProcessed {
		if r.At.Equal(c.lastProcessed) {
			metrics.ReadingsDuplicate.Inc()
			c.logger.Debugf("truck %s: duplicate reading at %s ignored", c.truckID, r.At.Format(time.RFC3339))
			return nil
		}
		if r.At.Before(c.lastProcessed) {
			metrics.ReadingsOutOfOrder.Inc()
			c.logger.Debugf("truck %s: out-of-order reading %s < %s dropped",
				c.truckID, r.At.Format(time.RFC3339), c.lastProcessed.Format(time.RFC3339))
			return nil
		}
	}

	rt := c.runtime()
	w := c.workingCopy()
	var events []bus.Event

	dtHours := 0.0
	if c.haveProcessed {
		dtHours = r.At.Sub(c.lastProcessed).Hours()
	}

	if c.mode == "simple" {
		w.simple.Observe(r)
	} else {
		c.runFilters(&w, r, dtHours, &events)
	}

	pub := c.assemblePublished(&w, r)

	inProductive := false
	if r.Latitude != nil && r.Longitude != nil {
		inProductive = rt.Geo.InTag(geo.Point{Lat: *r.Latitude, Lon: *r.Longitude}, geo.TagProductive)
	}
	activity := classifyActivity(r.RPM, r.SpeedMPH, rt.SpeedDrivingThresholdMPH, inProductive, w.prevActivity)
	pub.Activity = string(activity)

	if c.mode != "simple" {
		c.runIdle(&w, r, activity, dtHours, pub)
	}
	if idleEst := w.idle.Estimate(); idleEst.SamplesUsed > 0 {
		pub.Idle = IdleSnapshot{
			GPH:           idleEst.IdleGPH,
			ConfidencePct: idleEst.ConfidencePct,
			Source:        string(idleEst.Source),
			SamplesUsed:   idleEst.SamplesUsed,
		}
	}

	if r.FuelLevelPct != nil {
		speed := fval(r.SpeedMPH, 0)
		if hit, fired := w.refuel.Observe(r.At, *r.FuelLevelPct, speed, rt.Thresholds.RefuelMinPctJump, rt.Thresholds.RefuelWindow()); fired {
			c.applyRefuel(&w, r, hit)
			w.lastRefuel = &RefuelSnapshot{
				At:           r.At,
				GallonsAdded: hit.Gallons,
				PctBefore:    hit.PctBefore,
				PctAfter:     hit.PctAfter,
			}
			events = append(events, bus.RefuelDetected{
				TruckID:      c.truckID,
				At:           r.At,
				GallonsAdded: hit.Gallons,
				PctBefore:    hit.PctBefore,
				PctAfter:     hit.PctAfter,
				Latitude:     r.Latitude,
				Longitude:    r.Longitude,
			})
			metrics.RefuelsDetected.Inc()
			// The published level must reflect the re-anchored filters,
			// not the pre-refuel smoothing.
			idleSnap := pub.Idle
			pub = c.assemblePublished(&w, r)
			pub.Activity = string(activity)
			pub.Idle = idleSnap
		}
	}
	pub.LastRefuel = w.lastRefuel

	w.session.observe(r.At, r.DriverID)
	if cur := w.session.current(); cur != nil {
		pub.DriverID = cur.DriverID
	}

	change := bus.FuelLevelChange{
		TruckID:        c.truckID,
		At:             r.At,
		FuelPct:        pub.FuelPct,
		VolumeL:        pub.VolumeL,
		ConsumptionGPH: pub.ConsumptionGPH,
		UncertaintyPct: pub.UncertaintyPct,
		Efficiency:     pub.Efficiency,
		Confidence:     pub.Confidence,
		Source:         pub.Source,
		Activity:       pub.Activity,
		DriverID:       pub.DriverID,
		SpeedMPH:       r.SpeedMPH,
		RPM:            r.RPM,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
	}
	if pub.Idle.SamplesUsed > 0 {
		g := pub.Idle.GPH
		change.IdleGPH = &g
	}
	events = append([]bus.Event{change}, events...)

	if activity != w.prevActivity {
		events = append(events, bus.ActivityTransition{
			TruckID: c.truckID,
			At:      r.At,
			From:    string(w.prevActivity),
			To:      string(activity),
		})
	}

	c.mu.Lock()
	if c.gen != w.gen {
		c.mu.Unlock()
		metrics.ReadingsDropped.WithLabelValues("reset_race").Inc()
		c.logger.Debugf("truck %s: reading at %s discarded, operator reset during processing", c.truckID, r.At.Format(time.RFC3339))
		return nil
	}
	c.ekf = w.ekf
	c.idle = w.idle
	c.fuse = w.fuse
	c.simple = w.simple
	c.refuel = w.refuel
	c.session = w.session
	c.fusionAnchored = w.fusionAnchored
	c.activity = activity
	c.lastProcessed = r.At
	c.haveProcessed = true
	c.lastReading = r
	c.dataSource = DataSourceFresh
	c.lastRefuel = w.lastRefuel
	c.published = pub
	c.mu.Unlock()

	metrics.ReadingsTotal.Inc()

	// Publishing happens outside the lock: handlers may read snapshots.
	for _, ev := range events {
		c.bus.Publish(ev)
	}
	return nil
}

// runFilters is steps 4 and 5 of the pipeline: predict, then feed each
// present channel through fusion validation and the matching EKF update.
func (c *Coordinator) runFilters(w *working, r Reading, dtHours float64, events *[]bus.Event) {
	in := kalman.DrivingInput{
		SpeedMPH:      fval(r.SpeedMPH, 0),
		EngineLoadPct: fval(r.EngineLoadPct, 50),
		AmbientTempF:  fval(r.AmbientTempF, 70),
		GradePct:      c.gradePct(r, dtHours),
	}
	predictDt := dtHours
	if predictDt > maxPredictGapHours {
		predictDt = maxPredictGapHours
	}
	w.ekf.Predict(predictDt, in, r.At)

	if r.FuelLevelPct != nil {
		pct := *r.FuelLevelPct
		if w.fuse.Observe(fusion.FuelLevel, r.At, pct) {
			if err := w.ekf.UpdateFuelLevel(pct); err != nil {
				c.noteNumericRevert(r, string(fusion.FuelLevel), events)
			}
		} else {
			metrics.ChannelInvalid.WithLabelValues(string(fusion.FuelLevel)).Inc()
		}
	}

	if r.ECUTotalFuelL != nil {
		total := *r.ECUTotalFuelL
		if !w.fuse.Observe(fusion.ECUFuelUsed, r.At, total) {
			metrics.ChannelInvalid.WithLabelValues(string(fusion.ECUFuelUsed)).Inc()
		}
		// The cumulative counter always reaches the EKF: it carries
		// accumulation state, and the filter itself detects counter
		// resets by the negative delta.
		_, rebaselined := w.ekf.UpdateECUCumulative(total)
		if rebaselined {
			metrics.ECURebaseline.Inc()
			c.logger.Warnf("truck %s: ECU cumulative counter reset detected, re-baselining at %.1f L", c.truckID, total)
			// Without a channel reset, fusion would compare every later
			// sample against the pre-reset counter and reject them all.
			w.fuse.ResetChannel(fusion.ECUFuelUsed, r.At, total)
			w.fuse.SetReference(w.ekf.Estimate().FuelPct, total)
			w.fusionAnchored = true
		}
		if !w.fusionAnchored && r.FuelLevelPct != nil {
			w.fuse.SetReference(*r.FuelLevelPct, total)
			w.fusionAnchored = true
		}
	}

	if r.ECUFuelRateGPH != nil {
		gph := *r.ECUFuelRateGPH
		if w.fuse.Observe(fusion.ECUFuelRate, r.At, gph) {
			mismatch, err := w.ekf.UpdateFuelRate(gph)
			if err != nil {
				c.noteNumericRevert(r, string(fusion.ECUFuelRate), events)
			} else if mismatch {
				c.logger.Infof("truck %s: ECU rate %.1f gph disagrees with the filter, blending", c.truckID, gph)
			}
		} else {
			metrics.ChannelInvalid.WithLabelValues(string(fusion.ECUFuelRate)).Inc()
		}
	}
}

func (c *Coordinator) noteNumericRevert(r Reading, channel string, events *[]bus.Event) {
	metrics.NumericReverts.Inc()
	c.recordError(r.At, "numeric anomaly on "+channel)
	c.logger.Warnf("truck %s: %s update produced a non-finite state, reverted", c.truckID, channel)
	*events = append(*events, bus.SensorMalfunction{
		TruckID: c.truckID,
		At:      r.At,
		Channel: channel,
		Reason:  "non_finite_update",
	})
}

// assemblePublished is step 6: pick fused output when the cross-channel
// confidence clears the bar, the EKF estimate otherwise. Uncertainty and
// efficiency always come from the EKF, confidence always from fusion.
func (c *Coordinator) assemblePublished(w *working, r Reading) TruckSnapshot {
	pub := TruckSnapshot{
		TruckID:    c.truckID,
		At:         r.At,
		DataSource: DataSourceFresh,
	}

	if c.mode == "simple" {
		pct, vol, gph, ok := w.simple.Estimate()
		pub.Source = SourceSimple
		if ok {
			pub.Confidence = 0.5
			pub.FuelPct = pct
			pub.VolumeL = vol
			pub.ConsumptionGPH = gph
		}
		return pub
	}

	fusedEst := w.fuse.Estimate(r.At)
	ekfEst := w.ekf.Estimate()
	pub.UncertaintyPct = ekfEst.UncertaintyPct
	pub.Efficiency = ekfEst.Efficiency
	pub.Confidence = fusedEst.Confidence
	pub.FlaggedSensors = fusedEst.Flagged

	if !fusedEst.NoEstimates && fusedEst.Confidence > fusionPreferenceConfidence {
		pub.Source = SourceFusion
		pub.FuelPct = fusedEst.FuelPct
		pub.VolumeL = fusedEst.FuelL
		pub.ConsumptionGPH = fusedEst.ConsumptionGPH
		return pub
	}
	pub.Source = SourceEKF
	pub.FuelPct = ekfEst.FuelPct
	pub.VolumeL = ekfEst.VolumeL
	pub.ConsumptionGPH = ekfEst.ConsumptionGPH
	return pub
}

// runIdle is step 8: while idle, feed every matching channel; outside
// idle only the variance grows.
func (c *Coordinator) runIdle(w *working, r Reading, activity Activity, dtHours float64, pub TruckSnapshot) {
	w.idle.Predict(dtHours)
	if !activity.Idle() {
		return
	}
	w.idle.StartCycle()

	if r.ECUIdleFuelGal != nil {
		w.idle.UpdateECUIdleCounter(*r.ECUIdleFuelGal, r.At)
	}
	if r.ECUFuelRateGPH != nil {
		w.idle.UpdateFuelRate(*r.ECUFuelRateGPH)
	}
	if dtHours > 0 && !w.prevPublished.At.IsZero() && w.prevPublished.FuelPct > pub.FuelPct {
		dropL := (w.prevPublished.FuelPct - pub.FuelPct) / 100 * c.spec.CapacityL
		gph := dropL / dtHours / tank.LitersPerGallon
		w.idle.UpdateFuelDelta(gph, pub.Confidence)
	}
	if r.RPM != nil {
		w.idle.UpdateRPMModel(*r.RPM, fval(r.EngineLoadPct, 50), fval(r.AmbientTempF, 70))
	}
}

// applyRefuel is step 9's state surgery: the tank contents changed faster
// than any filter tracks, so everything re-anchors at the post level.
func (c *Coordinator) applyRefuel(w *working, r Reading, hit RefuelHit) {
	if c.mode == "simple" {
		w.simple.Reset()
		w.simple.Observe(r)
		return
	}
	w.ekf.ReanchorAfterRefuel(hit.PctAfter)
	w.fuse.ResetChannel(fusion.FuelLevel, r.At, hit.PctAfter)
	st := w.ekf.State()
	if st.HaveECUBaseline {
		w.fuse.SetReference(hit.PctAfter, st.LastECUTotal)
		w.fusionAnchored = true
	}
}

// gradePct derives road grade from the altitude change since the last
// reading. Distance comes from GPS when both fixes exist, otherwise from
// speed over the interval.
func (c *Coordinator) gradePct(r Reading, dtHours float64) float64 {
	if !c.haveProcessed || dtHours <= 0 {
		return 0
	}
	prev := c.lastReading
	if prev.AltitudeFt == nil || r.AltitudeFt == nil {
		return 0
	}
	riseM := (*r.AltitudeFt - *prev.AltitudeFt) / feetPerMeter

	var runM float64
	if prev.Latitude != nil && prev.Longitude != nil && r.Latitude != nil && r.Longitude != nil {
		runM = geo.HaversineMeters(
			geo.Point{Lat: *prev.Latitude, Lon: *prev.Longitude},
			geo.Point{Lat: *r.Latitude, Lon: *r.Longitude})
	} else if r.SpeedMPH != nil {
		runM = *r.SpeedMPH * metersPerMile * dtHours
	}
	return geo.GradePct(riseM, runM)
}

func (c *Coordinator) recordError(at time.Time, reason string) {
	c.mu.Lock()
	c.errs.Push(procError{At: at, Reason: reason})
	c.mu.Unlock()
}

// RecentErrors lists the bounded per-reading failure history, oldest
// first.
func (c *Coordinator) RecentErrors() []procError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errs.Values()
}

// Snapshot copies the committed state. Staleness is evaluated against the
// supplied clock reading and threshold, never stored.
func (c *Coordinator) Snapshot(now time.Time, staleAfter time.Duration) TruckSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.published
	out.Stale = !c.haveProcessed || now.Sub(c.lastProcessed) > staleAfter
	if c.lastRefuel != nil {
		lr := *c.lastRefuel
		out.LastRefuel = &lr
	}
	out.FlaggedSensors = append([]string(nil), c.published.FlaggedSensors...)
	return out
}

// MarkOffline is called by the staleness sweep. Returns true when this
// call performed the transition, so the sweep publishes exactly one
// event per transition.
func (c *Coordinator) MarkOffline(now time.Time) bool {
	c.mu.Lock()
	if c.activity == ActivityOffline {
		c.mu.Unlock()
		return false
	}
	from := c.activity
	c.activity = ActivityOffline
	c.published.Activity = string(ActivityOffline)
	c.session.close()
	c.published.DriverID = ""
	c.mu.Unlock()

	c.bus.Publish(bus.ActivityTransition{
		TruckID: c.truckID,
		At:      now,
		From:    string(from),
		To:      string(ActivityOffline),
	})
	return true
}

// ResetEKF clears the fuel filter, fusion state and refuel window back to
// cold start. Idempotent; a reading in flight during the reset is
// discarded at its commit.
func (c *Coordinator) ResetEKF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.ekf.Reset()
	c.fuse = fusion.New(c.fusionCfg)
	c.fusionAnchored = false
	c.refuel = newRefuelDetector(c.spec)
	c.simple.Reset()
	c.published.FuelPct = 0
	c.published.VolumeL = 0
	c.published.ConsumptionGPH = 0
	c.published.UncertaintyPct = 0
	c.published.Efficiency = 0
	c.published.Confidence = 0
	c.published.Source = c.publishSourceName()
	c.published.FlaggedSensors = nil
	c.lastRefuel = nil
	c.published.LastRefuel = nil
}

// ResetIdle clears only the idle filter, for use after maintenance that
// changes the idle burn.
func (c *Coordinator) ResetIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.idle.Reset()
	c.published.Idle = IdleSnapshot{}
}

// CloseDriverSession force-closes the open session. Returns the closed
// session identity, or nil when none was open.
func (c *Coordinator) CloseDriverSession() *DriverSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	closed := c.session.close()
	if closed != nil {
		c.gen++
		c.published.DriverID = ""
	}
	return closed
}

// CoordinatorState is the complete serializable per-truck state. A
// checkpoint restore followed by replay of the archived readings that
// came after it reproduces the live state exactly, given the same
// configuration.
type CoordinatorState struct {
	EKF    kalman.EKFState      `yaml:"ekf"`
	Idle   kalman.IdleState     `yaml:"idle"`
	Fusion fusion.State         `yaml:"fusion"`
	Simple SimpleState          `yaml:"simple"`
	Refuel []RefuelWindowSample `yaml:"refuel_window,omitempty"`

	Activity       string          `yaml:"activity"`
	LastProcessed  time.Time       `yaml:"last_processed"`
	HaveProcessed  bool            `yaml:"have_processed"`
	LastReading    Reading         `yaml:"last_reading"`
	FusionAnchored bool            `yaml:"fusion_anchored"`
	Published      TruckSnapshot   `yaml:"published"`
	LastRefuel     *RefuelSnapshot `yaml:"last_refuel,omitempty"`
	Session        *DriverSession  `yaml:"session,omitempty"`
}

func (c *Coordinator) ExportState() CoordinatorState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := CoordinatorState{
		EKF:            c.ekf.State(),
		Idle:           c.idle.State(),
		Fusion:         c.fuse.State(),
		Simple:         c.simple.State(),
		Refuel:         c.refuel.State(),
		Activity:       string(c.activity),
		LastProcessed:  c.lastProcessed,
		HaveProcessed:  c.haveProcessed,
		LastReading:    c.lastReading,
		FusionAnchored: c.fusionAnchored,
		Published:      c.published,
		Session:        c.session.Clone().cur,
	}
	if c.lastRefuel != nil {
		lr := *c.lastRefuel
		st.LastRefuel = &lr
	}
	return st
}

// RestoreState replaces the committed state from a checkpoint. Snapshots
// report data_source "checkpoint" until the first fresh reading commits.
// Called at startup, before the worker pool runs.
func (c *Coordinator) RestoreState(st CoordinatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ekf = kalman.NewFuelEKF(c.spec, c.model, c.tuning)
	c.ekf.Restore(st.EKF)
	c.idle = kalman.NewIdleFilter()
	c.idle.Restore(st.Idle)
	c.fuse = fusion.New(c.fusionCfg)
	c.fuse.Restore(st.Fusion)
	c.simple = newSimpleEstimator(c.spec)
	c.simple.Restore(st.Simple)
	c.refuel = newRefuelDetector(c.spec)
	c.refuel.Restore(st.Refuel)
	c.session = &sessionTracker{}
	if st.Session != nil {
		s := *st.Session
		c.session.cur = &s
	}
	c.activity = Activity(st.Activity)
	c.lastProcessed = st.LastProcessed
	c.haveProcessed = st.HaveProcessed
	c.lastReading = st.LastReading
	c.fusionAnchored = st.FusionAnchored
	c.published = st.Published
	c.published.DataSource = DataSourceCheckpoint
	c.dataSource = DataSourceCheckpoint
	if st.LastRefuel != nil {
		lr := *st.LastRefuel
		c.lastRefuel = &lr
	} else {
		c.lastRefuel = nil
	}
}
