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
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/fleetbeacon/fuelcore/estimator"
	"github.com/fleetbeacon/fuelcore/internal/logs"
	"github.com/fleetbeacon/fuelcore/internal/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// PollerOptions tune the fetch loop. Zero values pick the defaults used in
// production.
type PollerOptions struct {
	// PollEvery paces fetches against the source.
	PollEvery time.Duration
	// FetchTimeout bounds a single Fetch call.
	FetchTimeout time.Duration
	// MaxRetries is how many times a failed fetch is retried with
	// exponential backoff before the batch is skipped.
	MaxRetries uint64
	// BreakerFailures is the consecutive-failure count that opens the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (o *PollerOptions) setDefaults() {
	if o.PollEvery <= 0 {
		o.PollEvery = time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 4
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
}

// Poller pulls batches from a Source and hands them to the pool. Fetches are
// rate limited, retried with backoff, and guarded by a circuit breaker so a
// down source costs one cheap rejection per poll instead of a timeout.
type Poller struct {
	src     Source
	pool    *Pool
	logger  logs.StructuredLogger
	opts    PollerOptions
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewPoller builds a poller; call Run to start fetching.
func NewPoller(src Source, pool *Pool, logger logs.StructuredLogger, opts PollerOptions) *Poller {
	opts.setDefaults()
	p := &Poller{
		src:     src,
		pool:    pool,
		logger:  logger,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.PollEvery), 1),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telemetry-source",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("%s breaker %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSourceDrained)
		},
	})
	return p
}

// Run fetches until ctx is cancelled or the source reports ErrSourceDrained.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		batch, err := p.fetch(ctx)
		switch {
		case errors.Is(err, ErrSourceDrained):
			p.logger.Infof("telemetry source drained, poller stopping")
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			continue
		case err != nil:
			p.logger.Warnf("telemetry batch skipped: %v", err)
			continue
		}
		if len(batch) > 0 {
			p.pool.Dispatch(batch...)
		}
	}
}

func (p *Poller) fetch(ctx context.Context) ([]estimator.Reading, error) {
	var batch []estimator.Reading
	attempt := func() error {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
			defer cancel()
			return p.src.Fetch(fctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				metrics.SourceBreakerOpen.Inc()
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrSourceDrained) {
				return backoff.Permanent(err)
			}
			return err
		}
		if out != nil {
			batch = out.([]estimator.Reading)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		metrics.SourceRetries.Inc()
		p.logger.Debugf("telemetry fetch failed, retrying in %s: %v", next.Round(time.Millisecond), err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.opts.MaxRetries), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return nil, err
	}
	return batch, nil
}
