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
	"context"
	"sync"
	"time"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
)

type record struct {
	stream string
	write  func(Store) error
}

// EmitterOptions tune the buffer. Zero values pick the production defaults.
type EmitterOptions struct {
	// QueueCap bounds buffered records. On overflow the oldest archive
	// record is dropped first, then the oldest event. Checkpoints are
	// never dropped; losing one silently would widen the replay window
	// after a crash.
	QueueCap int
	// WriteBackoffCap limits how long the emitter sleeps between retries
	// of a failing store.
	WriteBackoffCap time.Duration
}

func (o *EmitterOptions) setDefaults() {
	if o.QueueCap <= 0 {
		o.QueueCap = 4096
	}
	if o.WriteBackoffCap <= 0 {
		o.WriteBackoffCap = 5 * time.Second
	}
}

// Emitter decouples the hot estimator path from storage: emits are
// fire-and-forget appends to a bounded in-memory queue, and one goroutine
// behind Run applies them to the store in order. A failing store buffers
// rather than blocks, and overflow sheds per stream priority.
type Emitter struct {
	store  Store
	logger logs.StructuredLogger
	opts   EmitterOptions

	mu     sync.Mutex
	queue  []record
	notify chan struct{}
}

// NewEmitter builds an emitter over store; call Run to start the writer.
func NewEmitter(store Store, logger logs.StructuredLogger, opts EmitterOptions) *Emitter {
	opts.setDefaults()
	return &Emitter{
		store:  store,
		logger: logger,
		opts:   opts,
		notify: make(chan struct{}, 1),
	}
}

// AttachBus forwards every published event into the event stream.
func (e *Emitter) AttachBus(b *bus.Bus) {
	for _, t := range bus.AllTopics() {
		b.Subscribe(t, "persist-emitter", func(ev bus.Event) error {
			e.EmitEvent(ev)
			return nil
		})
	}
}

// EmitCheckpoint queues a full estimator checkpoint.
func (e *Emitter) EmitCheckpoint(cp Checkpoint) {
	metrics.CheckpointsWritten.Inc()
	e.enqueue(record{stream: StreamSnapshot, write: func(s Store) error {
		return s.SaveCheckpoint(cp)
	}})
}

// EmitEvent queues one bus event for the event stream.
func (e *Emitter) EmitEvent(ev bus.Event) {
	e.enqueue(record{stream: StreamEvent, write: func(s Store) error {
		return s.AppendEvent(ev)
	}})
}

// ArchiveReading queues one raw reading for the archive stream.
func (e *Emitter) ArchiveReading(r estimator.Reading) {
	e.enqueue(record{stream: StreamArchive, write: func(s Store) error {
		return s.AppendReading(r)
	}})
}

// Pending reports the buffered record count.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func streamPriority(stream string) int {
	switch stream {
	case StreamSnapshot:
		return 2
	case StreamEvent:
		return 1
	default:
		return 0
	}
}

func (e *Emitter) enqueue(rec record) {
	e.mu.Lock()
	if len(e.queue) >= e.opts.QueueCap {
		if i := e.shedVictim(streamPriority(rec.stream)); i >= 0 {
			countDrop(e.queue[i].stream)
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
		} else if rec.stream != StreamSnapshot {
			countDrop(rec.stream)
			e.mu.Unlock()
			return
		}
		// Queue full of checkpoints: exceed the bound, never lose one.
	}
	e.queue = append(e.queue, rec)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// shedVictim picks the oldest archive record, then the oldest event, but
// never displaces a record of higher priority than the incoming one and
// never a checkpoint.
func (e *Emitter) shedVictim(incoming int) int {
	firstEvent := -1
	for i, rec := range e.queue {
		switch rec.stream {
		case StreamArchive:
			return i
		case StreamEvent:
			if firstEvent == -1 {
				firstEvent = i
			}
		}
	}
	if firstEvent >= 0 && incoming >= streamPriority(StreamEvent) {
		return firstEvent
	}
	return -1
}

func (e *Emitter) take() (record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return record{}, false
	}
	rec := e.queue[0]
	e.queue = e.queue[1:]
	return rec, true
}

func (e *Emitter) requeueFront(rec record) {
	e.mu.Lock()
	e.queue = append([]record{rec}, e.queue...)
	e.mu.Unlock()
}

// Run applies queued records until ctx is cancelled, then flushes whatever
// the store will still accept. A write failure puts the record back at the
// front and backs off, doubling up to WriteBackoffCap.
func (e *Emitter) Run(ctx context.Context) error {
	backoffSleep := time.Duration(0)
	for {
		rec, ok := e.take()
		if !ok {
			select {
			case <-e.notify:
				continue
			case <-ctx.Done():
				e.flush()
				return nil
			}
		}
		if err := rec.write(e.store); err != nil {
			e.requeueFront(rec)
			if backoffSleep == 0 {
				backoffSleep = 100 * time.Millisecond
			} else if backoffSleep < e.opts.WriteBackoffCap {
				backoffSleep *= 2
			}
			e.logger.Warnf("persist %s write failed, retrying in %s: %v", rec.stream, backoffSleep, err)
			select {
			case <-time.After(backoffSleep):
			case <-ctx.Done():
				e.flush()
				return nil
			}
			continue
		}
		backoffSleep = 0
	}
}

// flush makes one pass over the backlog; records that still fail are
// counted as dropped.
func (e *Emitter) flush() {
	for {
		rec, ok := e.take()
		if !ok {
			return
		}
		if err := rec.write(e.store); err != nil {
			countDrop(rec.stream)
			e.logger.Errorf("persist %s record lost at shutdown: %v", rec.stream, err)
		}
	}
}
