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

// Package bus is the in-process pub/sub spine between the estimators and
// the domain services. Publishing is synchronous: subscribers run in
// registration order on the publisher's goroutine, so per-topic FIFO
// follows from holding the topic's lock across the delivery. A failing or
// panicking subscriber never breaks the publish or its peers; it is
// counted and logged. Handlers may publish to other topics but must not
// publish back to their own.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/fleetbeacon/fuelcore/internal/ring"
)

// Handler consumes one event. Returning an error counts against the
// subscriber but does not affect delivery to others.
type Handler func(Event) error

const (
	defaultReplayCapacity  = 10000
	defaultSlowBudget      = 100 * time.Millisecond
	defaultSlowStrikeLimit = 5
)

// Options tune the bus. Zero values select the defaults above.
type Options struct {
	// ReplayCapacity bounds the in-memory event log.
	ReplayCapacity int
	// SlowBudget is the soft per-delivery time budget. A handler is never
	// aborted mid-call; exceeding the budget is a strike.
	SlowBudget time.Duration
	// SlowStrikeLimit drops a subscriber once it accumulates this many
	// strikes. Negative disables dropping.
	SlowStrikeLimit int
}

type subscriber struct {
	name      string
	fn        Handler
	delivered uint64
	errors    uint64
	slow      uint64
}

type topicState struct {
	mu   sync.Mutex
	subs []*subscriber
}

type Bus struct {
	opts   Options
	logger logs.StructuredLogger

	mu     sync.Mutex
	topics map[Topic]*topicState

	logMu  sync.Mutex
	events *ring.Ring[Event]
}

func New(logger logs.StructuredLogger, opts Options) *Bus {
	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = defaultReplayCapacity
	}
	if opts.SlowBudget == 0 {
		opts.SlowBudget = defaultSlowBudget
	}
	if opts.SlowStrikeLimit == 0 {
		opts.SlowStrikeLimit = defaultSlowStrikeLimit
	}
	return &Bus{
		opts:   opts,
		logger: logger,
		topics: map[Topic]*topicState{},
		events: ring.New[Event](opts.ReplayCapacity),
	}
}

func (b *Bus) topicState(t Topic) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.topics[t]
	if !ok {
		st = &topicState{}
		b.topics[t] = st
	}
	return st
}

// Subscribe registers a named handler on a topic. Registering the same
// (topic, name) again replaces the handler and resets its counters, which
// is how a dropped subscriber comes back.
func (b *Bus) Subscribe(t Topic, name string, fn Handler) {
	if fn == nil {
		return
	}
	st := b.topicState(t)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.subs {
		if s.name == name {
			st.subs[i] = &subscriber{name: name, fn: fn}
			return
		}
	}
	st.subs = append(st.subs, &subscriber{name: name, fn: fn})
}

// Unsubscribe removes a named handler, reporting whether it was present.
func (b *Bus) Unsubscribe(t Topic, name string) bool {
	st := b.topicState(t)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.subs {
		if s.name == name {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish appends the event to the replay log and delivers it to every
// subscriber of its topic in registration order. Synchronous to the caller.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	st := b.topicState(ev.Topic())
	st.mu.Lock()
	defer st.mu.Unlock()

	b.logMu.Lock()
	b.events.Push(ev)
	b.logMu.Unlock()
	metrics.EventsPublished.WithLabelValues(string(ev.Topic())).Inc()

	var dropped []string
	for _, s := range st.subs {
		start := time.Now()
		err := deliver(s.fn, ev)
		elapsed := time.Since(start)

		s.delivered++
		if err != nil {
			s.errors++
			metrics.SubscriberErrors.WithLabelValues(string(ev.Topic()), s.name).Inc()
			b.logger.Errorf("bus: subscriber %q failed on %s: %v", s.name, ev.Topic(), err)
		}
		if elapsed > b.opts.SlowBudget {
			s.slow++
			metrics.SubscriberSlow.WithLabelValues(string(ev.Topic()), s.name).Inc()
			b.logger.Warnf("bus: subscriber %q took %s on %s (budget %s, strike %d)",
				s.name, elapsed, ev.Topic(), b.opts.SlowBudget, s.slow)
			if b.opts.SlowStrikeLimit > 0 && s.slow >= uint64(b.opts.SlowStrikeLimit) {
				dropped = append(dropped, s.name)
			}
		}
	}
	for _, name := range dropped {
		for i, s := range st.subs {
			if s.name == name {
				st.subs = append(st.subs[:i], st.subs[i+1:]...)
				break
			}
		}
		metrics.SubscribersDropped.WithLabelValues(string(ev.Topic()), name).Inc()
		b.logger.Errorf("bus: dropping subscriber %q from %s after %d budget violations",
			name, ev.Topic(), b.opts.SlowStrikeLimit)
	}
}

func deliver(fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ev)
}

func (b *Bus) snapshotLog() []Event {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	return b.events.Values()
}

// ReplayByTruck returns the retained events for one truck, oldest first.
func (b *Bus) ReplayByTruck(truckID string) []Event {
	var out []Event
	for _, ev := range b.snapshotLog() {
		if ev.Truck() == truckID {
			out = append(out, ev)
		}
	}
	return out
}

// ReplayByTopic returns the retained events on one topic, oldest first.
func (b *Bus) ReplayByTopic(t Topic) []Event {
	var out []Event
	for _, ev := range b.snapshotLog() {
		if ev.Topic() == t {
			out = append(out, ev)
		}
	}
	return out
}

// Recent returns the newest n retained events, oldest first.
func (b *Bus) Recent(n int) []Event {
	all := b.snapshotLog()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// SubscriberStats is one subscriber's delivery counters.
type SubscriberStats struct {
	Topic     Topic
	Name      string
	Delivered uint64
	Errors    uint64
	Slow      uint64
}

// Stats reports counters for every registered subscriber.
func (b *Bus) Stats() []SubscriberStats {
	b.mu.Lock()
	topics := make(map[Topic]*topicState, len(b.topics))
	for t, st := range b.topics {
		topics[t] = st
	}
	b.mu.Unlock()

	var out []SubscriberStats
	for t, st := range topics {
		st.mu.Lock()
		for _, s := range st.subs {
			out = append(out, SubscriberStats{
				Topic: t, Name: s.name,
				Delivered: s.delivered, Errors: s.errors, Slow: s.slow,
			})
		}
		st.mu.Unlock()
	}
	return out
}
