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

// Package ingest moves readings from a telemetry source into the estimator.
// A fixed pool of workers is partitioned by truck ID, so every reading for a
// truck is handled by exactly one worker and per-truck order is preserved
// without locking the estimator from multiple goroutines.
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/clock"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
)

// Processor consumes readings in arrival order. *estimator.Manager satisfies
// it; the indirection keeps pool tests free of estimator state.
type Processor interface {
	Process(r estimator.Reading) error
}

// PoolOptions tune the dispatch pool. Zero values pick the defaults used in
// production.
type PoolOptions struct {
	// Workers is the number of dispatch goroutines. Trucks are bound to
	// workers by hash, so this caps cross-truck parallelism.
	Workers int
	// QueueDepth bounds each truck's pending readings. When a queue is
	// full the oldest reading without an ECU cumulative counter is dropped
	// to admit the new one; readings carrying the counter are never
	// dropped because the accumulation baseline would be lost.
	QueueDepth int
	// DrainDeadline is how long Run keeps processing queued readings after
	// its context is cancelled before abandoning the rest.
	DrainDeadline time.Duration
	// StallAfter is how long a worker with a backlog may go without
	// completing a reading before the watchdog replaces it.
	StallAfter time.Duration
	// WatchdogInterval is how often worker progress is checked.
	WatchdogInterval time.Duration

	Clock clock.Clock
}

func (o *PoolOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.DrainDeadline <= 0 {
		o.DrainDeadline = 10 * time.Second
	}
	if o.StallAfter <= 0 {
		o.StallAfter = time.Minute
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = o.StallAfter / 4
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Pool dispatches readings to a Processor through per-truck FIFO queues.
type Pool struct {
	sink    Processor
	logger  logs.StructuredLogger
	opts    PoolOptions
	workers []*worker

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPool builds a pool; call Run to start the workers.
func NewPool(sink Processor, logger logs.StructuredLogger, opts PoolOptions) *Pool {
	opts.setDefaults()
	p := &Pool{
		sink:   sink,
		logger: logger,
		opts:   opts,
		stop:   make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		p.workers = append(p.workers, newWorker(i))
	}
	return p
}

// Dispatch enqueues readings onto their trucks' queues. It never blocks; on a
// full queue the backpressure policy decides which reading is shed.
func (p *Pool) Dispatch(rs ...estimator.Reading) {
	for _, r := range rs {
		w := p.workerFor(r.TruckID)
		if dropped := w.enqueue(r, p.opts.QueueDepth); dropped {
			metrics.ReadingsDropped.WithLabelValues("queue_full").Inc()
			p.logger.Debugf("queue for truck %s full, dropped one reading", r.TruckID)
		}
	}
}

func (p *Pool) workerFor(truckID string) *worker {
	h := fnv.New32a()
	h.Write([]byte(truckID))
	return p.workers[int(h.Sum32())%len(p.workers)]
}

// Backlog reports the number of readings queued across all workers.
func (p *Pool) Backlog() int {
	total := 0
	for _, w := range p.workers {
		total += w.pending()
	}
	return total
}

// Run processes queued readings until ctx is cancelled, then drains the
// backlog for up to DrainDeadline before abandoning whatever is left.
func (p *Pool) Run(ctx context.Context) error {
	for _, w := range p.workers {
		w.lastDone.Store(p.opts.Clock.Now().UnixNano())
		p.wg.Add(1)
		go p.runWorker(w, w.generation())
	}
	watchdogDone := make(chan struct{})
	go p.watchdog(watchdogDone)

	<-ctx.Done()

	deadline := time.Now().Add(p.opts.DrainDeadline)
	for p.Backlog() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if abandoned := p.Backlog(); abandoned > 0 {
		metrics.ReadingsDropped.WithLabelValues("shutdown").Add(float64(abandoned))
		p.logger.Warnf("shutdown deadline reached, abandoning %d queued readings", abandoned)
	}
	close(p.stop)
	close(watchdogDone)

	// A worker wedged inside Process would block Wait forever; give the
	// rest a moment to exit and report the stragglers instead.
	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		p.logger.Warnf("ingest worker still wedged at shutdown, abandoning it")
	}
	return nil
}

func (p *Pool) runWorker(w *worker, gen int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		r, ok, live := w.take(gen)
		if !live {
			return
		}
		if !ok {
			select {
			case <-w.notify:
				continue
			case <-p.stop:
				return
			}
		}
		if err := p.sink.Process(r); err != nil {
			p.logger.Debugf("reading for truck %s not processed: %v", r.TruckID, err)
		}
		w.lastDone.Store(p.opts.Clock.Now().UnixNano())
	}
}

// watchdog replaces a worker that has queued readings but has not completed
// one for StallAfter. The replacement reattaches to the same queues; the old
// goroutine notices its stale generation and exits once its in-flight call
// returns.
func (p *Pool) watchdog(done chan struct{}) {
	ticker := time.NewTicker(p.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		now := p.opts.Clock.Now()
		for _, w := range p.workers {
			if w.pending() == 0 {
				continue
			}
			idle := now.Sub(time.Unix(0, w.lastDone.Load()))
			if idle < p.opts.StallAfter {
				continue
			}
			gen := w.retire()
			metrics.WorkerRestarts.Inc()
			p.logger.Warnf("ingest worker %d made no progress for %s with %d readings queued, restarting", w.id, idle.Round(time.Second), w.pending())
			w.lastDone.Store(now.UnixNano())
			p.wg.Add(1)
			go p.runWorker(w, gen)
		}
	}
}

// worker owns the queues for its slice of the truck ID space. ready holds
// truck IDs with a non-empty queue in round-robin order, so one chatty truck
// cannot starve the rest.
type worker struct {
	id int

	mu      sync.Mutex
	queues  map[string][]estimator.Reading
	ready   []string
	backlog int
	gen     int

	notify   chan struct{}
	lastDone atomic.Int64
}

func newWorker(id int) *worker {
	return &worker{
		id:     id,
		queues: make(map[string][]estimator.Reading),
		notify: make(chan struct{}, 1),
	}
}

func (w *worker) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backlog
}

func (w *worker) generation() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *worker) retire() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	return w.gen
}

// enqueue appends r to its truck's queue, shedding per the backpressure
// policy when the queue is at depth. The returned flag reports whether any
// reading (the incoming one or an evicted one) was dropped.
func (w *worker) enqueue(r estimator.Reading, depth int) (dropped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	q := w.queues[r.TruckID]
	wasEmpty := len(q) == 0
	if len(q) >= depth {
		if i := oldestDroppable(q); i >= 0 {
			q = append(q[:i], q[i+1:]...)
			w.backlog--
			dropped = true
		} else if !r.HasECUCumulative() {
			return true
		}
		// Whole queue plus the incoming reading carry cumulative
		// counters: exceed the bound rather than lose one.
	}
	if wasEmpty {
		w.ready = append(w.ready, r.TruckID)
	}
	w.queues[r.TruckID] = append(q, r)
	w.backlog++

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return dropped
}

func oldestDroppable(q []estimator.Reading) int {
	for i := range q {
		if !q[i].HasECUCumulative() {
			return i
		}
	}
	return -1
}

// take pops the next reading in round-robin order. live is false when the
// calling goroutine has been superseded by the watchdog.
func (w *worker) take(gen int) (r estimator.Reading, ok, live bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return estimator.Reading{}, false, false
	}
	if len(w.ready) == 0 {
		return estimator.Reading{}, false, true
	}
	truckID := w.ready[0]
	w.ready = w.ready[1:]
	q := w.queues[truckID]
	r = q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(w.queues, truckID)
	} else {
		w.queues[truckID] = q
		w.ready = append(w.ready, truckID)
	}
	w.backlog--
	return r, true, true
}
