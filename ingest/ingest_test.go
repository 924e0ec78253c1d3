package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/v3/assert"
)

var testStart = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

// rd builds a plain reading; seq doubles as the identity marker via
// FuelLevelPct so tests can follow individual readings through the pool.
func rd(truck string, seq int) estimator.Reading {
	pct := float64(seq)
	return estimator.Reading{
		TruckID:      truck,
		At:           testStart.Add(time.Duration(seq) * time.Second),
		FuelLevelPct: &pct,
	}
}

func rdECU(truck string, seq int) estimator.Reading {
	r := rd(truck, seq)
	liters := 1000 + float64(seq)
	r.ECUTotalFuelL = &liters
	return r
}

type captureSink struct {
	mu      sync.Mutex
	byTruck map[string][]int
	total   int
	delay   time.Duration
	blockOn int           // seq that blocks until release is closed; 0 disables
	release chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{byTruck: map[string][]int{}, release: make(chan struct{})}
}

func (c *captureSink) Process(r estimator.Reading) error {
	seq := int(*r.FuelLevelPct)
	if c.blockOn != 0 && seq == c.blockOn {
		<-c.release
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTruck[r.TruckID] = append(c.byTruck[r.TruckID], seq)
	c.total++
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *captureSink) seqs(truck string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.byTruck[truck]...)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPerTruckOrderPreserved(t *testing.T) {
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 3, QueueDepth: 256})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	for seq := 1; seq <= 50; seq++ {
		pool.Dispatch(rd("T-100", seq), rd("T-200", seq), rd("T-300", seq))
	}
	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 150 })
	cancel()
	<-done

	for _, truck := range []string{"T-100", "T-200", "T-300"} {
		seqs := sink.seqs(truck)
		assert.Equal(t, len(seqs), 50)
		for i := 1; i < len(seqs); i++ {
			assert.Assert(t, seqs[i] > seqs[i-1], "truck %s processed out of order: %v", truck, seqs)
		}
	}
}

func TestFullQueueDropsOldestPlainReading(t *testing.T) {
	dropped := testutil.ToFloat64(metrics.ReadingsDropped.WithLabelValues("queue_full"))
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 1, QueueDepth: 2})

	// Workers are not running yet, so the queue genuinely fills.
	pool.Dispatch(rd("T-1", 1), rdECU("T-1", 2), rdECU("T-1", 3))
	assert.Equal(t, testutil.ToFloat64(metrics.ReadingsDropped.WithLabelValues("queue_full"))-dropped, 1.0)
	assert.Equal(t, pool.Backlog(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Run(ctx) // drains before stopping
	assert.DeepEqual(t, sink.seqs("T-1"), []int{2, 3})
}

func TestCumulativeReadingsNeverDropped(t *testing.T) {
	dropped := testutil.ToFloat64(metrics.ReadingsDropped.WithLabelValues("queue_full"))
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 1, QueueDepth: 1})

	pool.Dispatch(rdECU("T-1", 1), rdECU("T-1", 2), rdECU("T-1", 3))
	assert.Equal(t, testutil.ToFloat64(metrics.ReadingsDropped.WithLabelValues("queue_full"))-dropped, 0.0)
	assert.Equal(t, pool.Backlog(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Run(ctx)
	assert.DeepEqual(t, sink.seqs("T-1"), []int{1, 2, 3})
}

func TestPlainReadingShedWhenQueueHoldsOnlyCumulative(t *testing.T) {
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 1, QueueDepth: 1})

	pool.Dispatch(rdECU("T-1", 1), rd("T-1", 2))
	assert.Equal(t, pool.Backlog(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Run(ctx)
	assert.DeepEqual(t, sink.seqs("T-1"), []int{1})
}

func TestTruckStaysOnOneWorker(t *testing.T) {
	pool := NewPool(newCaptureSink(), logs.DiscardLogger(), PoolOptions{Workers: 8})
	for _, truck := range []string{"T-1", "T-2", "ABC-9", ""} {
		first := pool.workerFor(truck)
		for i := 0; i < 5; i++ {
			assert.Equal(t, pool.workerFor(truck), first)
		}
	}
}

func TestShutdownDrainsBacklog(t *testing.T) {
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 2, QueueDepth: 64, DrainDeadline: time.Second})
	for seq := 1; seq <= 20; seq++ {
		pool.Dispatch(rd("T-1", seq), rd("T-2", seq))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Run(ctx)
	assert.Equal(t, sink.count(), 40)
}

func TestShutdownAbandonsAfterDeadline(t *testing.T) {
	abandoned := testutil.ToFloat64(metrics.ReadingsDropped.WithLabelValues("shutdown"))
	sink := newCaptureSink()
	sink.delay = 20 * time.Millisecond
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 1, QueueDepth: 64, DrainDeadline: 30 * time.Millisecond})
	for seq := 1; seq <= 30; seq++ {
		pool.Dispatch(rd("T-1", seq))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Run(ctx)
	assert.Assert(t, sink.count() < 30)
	assert.Assert(t, testutil.ToFloat64(metrics.ReadingsDropped.WithLabelValues("shutdown"))-abandoned > 0)
}

func TestWatchdogReplacesStalledWorker(t *testing.T) {
	restarts := testutil.ToFloat64(metrics.WorkerRestarts)
	sink := newCaptureSink()
	sink.blockOn = 1
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{
		Workers:          1,
		QueueDepth:       8,
		StallAfter:       30 * time.Millisecond,
		WatchdogInterval: 10 * time.Millisecond,
		DrainDeadline:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	pool.Dispatch(rd("T-1", 1), rd("T-1", 2))
	waitUntil(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(metrics.WorkerRestarts)-restarts >= 1
	})

	// The replacement worker drains the queue past the wedged reading.
	waitUntil(t, 2*time.Second, func() bool { return sink.count() >= 1 })
	close(sink.release)
	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 2 })
	cancel()
	<-done
}

type scriptedSource struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]estimator.Reading, error)
}

func (s *scriptedSource) Fetch(ctx context.Context) ([]estimator.Reading, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call)
}

func TestPollerRetriesTransientFailures(t *testing.T) {
	retries := testutil.ToFloat64(metrics.SourceRetries)
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 1})
	src := &scriptedSource{fn: func(call int) ([]estimator.Reading, error) {
		if call <= 2 {
			return nil, errors.New("transient")
		}
		if call == 3 {
			return []estimator.Reading{rd("T-1", 1), rd("T-1", 2)}, nil
		}
		return nil, nil
	}}
	poller := NewPoller(src, pool, logs.DiscardLogger(), PollerOptions{
		PollEvery:  time.Millisecond,
		MaxRetries: 4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	go poller.Run(ctx)

	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 2 })
	cancel()
	assert.Equal(t, testutil.ToFloat64(metrics.SourceRetries)-retries, 2.0)
}

func TestPollerBreakerOpensOnPersistentFailure(t *testing.T) {
	opened := testutil.ToFloat64(metrics.SourceBreakerOpen)
	pool := NewPool(newCaptureSink(), logs.DiscardLogger(), PoolOptions{Workers: 1})
	src := &scriptedSource{fn: func(int) ([]estimator.Reading, error) {
		return nil, errors.New("source down")
	}}
	poller := NewPoller(src, pool, logs.DiscardLogger(), PollerOptions{
		PollEvery:       time.Millisecond,
		MaxRetries:      1,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go poller.Run(ctx)

	waitUntil(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(metrics.SourceBreakerOpen)-opened >= 1
	})
	cancel()
}

func TestPollerStopsWhenSourceDrained(t *testing.T) {
	lines := strings.Join([]string{
		`{"truck_id":"T-1","at":"2025-06-10T08:00:00Z","fuel_level_pct":1}`,
		`{"truck_id":"T-1","at":"2025-06-10T08:00:05Z","fuel_level_pct":2}`,
		`{"truck_id":"T-2","at":"2025-06-10T08:00:00Z","fuel_level_pct":3}`,
	}, "\n")
	src := NewJSONLinesSource(strings.NewReader(lines), logs.DiscardLogger(), 0)
	sink := newCaptureSink()
	pool := NewPool(sink, logs.DiscardLogger(), PoolOptions{Workers: 1})
	poller := NewPoller(src, pool, logs.DiscardLogger(), PollerOptions{PollEvery: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	assert.NilError(t, poller.Run(ctx)) // returns once the stream ends
	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 3 })
}

func TestJSONLinesSourceSkipsBadLines(t *testing.T) {
	lines := strings.Join([]string{
		`{not json`,
		`{"at":"2025-06-10T08:00:00Z","fuel_level_pct":1}`,
		`{"truck_id":"T-1","at":"2025-06-10T08:00:00Z","fuel_level_pct":7}`,
		``,
	}, "\n")
	src := NewJSONLinesSource(strings.NewReader(lines), logs.DiscardLogger(), 0)

	batch, err := src.Fetch(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(batch), 1)
	assert.Equal(t, batch[0].TruckID, "T-1")

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrSourceDrained)
}
