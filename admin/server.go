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

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbeacon/fuelcore/bus"
	"github.com/fleetbeacon/fuelcore/internal/clock"
	"github.com/fleetbeacon/fuelcore/internal/logs"
)

// confirmTTL is how long a reset-ekf confirmation token stays valid.
const confirmTTL = time.Minute

const defaultReplayLimit = 100

var (
	errNeedTruck = errors.New("truck_id is required")
	errUnknownOp = errors.New("unknown op")
)

// EventLog is the replayable side of the event bus.
type EventLog interface {
	ReplayByTruck(truckID string) []bus.Event
	ReplayByTopic(t bus.Topic) []bus.Event
	Recent(n int) []bus.Event
}

type pendingReset struct {
	truckID string
	expires time.Time
}

// Server owns the admin socket. Construct with NewServer, then Run.
type Server struct {
	path   string
	ctl    EstimatorControl
	events EventLog
	logger logs.StructuredLogger
	clock  clock.Clock

	mu      sync.Mutex
	pending map[string]pendingReset
}

// ServerOptions carries the optional collaborators.
type ServerOptions struct {
	Clock clock.Clock
}

// NewServer builds a control-plane server bound to the unix socket at path.
func NewServer(path string, ctl EstimatorControl, events EventLog, logger logs.StructuredLogger, opts ServerOptions) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Server{
		path:    path,
		ctl:     ctl,
		events:  events,
		logger:  logger,
		clock:   opts.Clock,
		pending: map[string]pendingReset{},
	}
}

// Run serves requests until ctx is cancelled. The socket file is removed on
// return.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.logger.Infof("admin socket listening at %s", s.path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnf("admin accept failed: %v", err)
			continue
		}
		go s.handle(conn)
	}
}

// listen binds the socket, clearing a stale file left by a crashed daemon.
// A socket that still answers means another daemon is live; that is an
// error, not something to steal.
func (s *Server) listen() (net.Listener, error) {
	if _, err := os.Stat(s.path); err == nil {
		probe, err := net.DialTimeout("unix", s.path, time.Second)
		if err == nil {
			probe.Close()
			return nil, fmt.Errorf("admin socket %s is already served by a running daemon", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return nil, fmt.Errorf("removing stale admin socket: %w", err)
		}
		s.logger.Infof("removed stale admin socket %s", s.path)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating admin socket dir: %w", err)
		}
	}
	return net.Listen("unix", s.path)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.reply(conn, fail(fmt.Errorf("bad request: %v", err)))
		return
	}
	s.reply(conn, s.dispatch(req))
}

func (s *Server) reply(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debugf("admin reply not delivered: %v", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpSnapshot:
		if req.TruckID == "" {
			return fail(errNeedTruck)
		}
		snap, err := s.ctl.Snapshot(req.TruckID)
		if err != nil {
			return fail(err)
		}
		return okJSON(snap)

	case OpFleetSnapshot:
		return okJSON(s.ctl.FleetSnapshot())

	case OpHistory:
		if req.TruckID == "" {
			return fail(errNeedTruck)
		}
		window := time.Duration(req.WindowMinutes) * time.Minute
		if window <= 0 {
			window = time.Hour
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		readings, err := s.ctl.History(ctx, req.TruckID, window)
		if err != nil {
			return fail(err)
		}
		return okJSON(readings)

	case OpReplay:
		return okJSON(s.replay(req))

	case OpResetEKF:
		if req.TruckID == "" {
			return fail(errNeedTruck)
		}
		return s.resetEKF(req)

	case OpResetIdle:
		if req.TruckID == "" {
			return fail(errNeedTruck)
		}
		if err := s.ctl.ResetIdle(req.TruckID); err != nil {
			return fail(err)
		}
		s.logger.Infof("idle filter reset for truck %s", req.TruckID)
		return Response{OK: true, Message: "idle filter reset"}

	case OpResetDriverSession:
		if req.TruckID == "" {
			return fail(errNeedTruck)
		}
		session, err := s.ctl.CloseDriverSession(req.TruckID, req.DriverID)
		if err != nil {
			return fail(err)
		}
		s.logger.Infof("driver session closed for truck %s", req.TruckID)
		return okJSON(session)

	default:
		return fail(fmt.Errorf("%w %q", errUnknownOp, req.Op))
	}
}

func (s *Server) replay(req Request) []ReplayedEvent {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	var evs []bus.Event
	switch {
	case req.TruckID != "":
		evs = s.events.ReplayByTruck(req.TruckID)
		if req.Topic != "" {
			filtered := evs[:0]
			for _, ev := range evs {
				if string(ev.Topic()) == req.Topic {
					filtered = append(filtered, ev)
				}
			}
			evs = filtered
		}
	case req.Topic != "":
		evs = s.events.ReplayByTopic(bus.Topic(req.Topic))
	default:
		evs = s.events.Recent(limit)
	}
	if len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}

	out := make([]ReplayedEvent, 0, len(evs))
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Debugf("replay: %s event not encodable: %v", ev.Topic(), err)
			continue
		}
		out = append(out, ReplayedEvent{
			Topic:   string(ev.Topic()),
			TruckID: ev.Truck(),
			At:      ev.OccurredAt(),
			Payload: payload,
		})
	}
	return out
}

// resetEKF guards the destructive reset behind a confirmation round trip:
// the first request yields a token, and only a request echoing it (or
// carrying force) actually resets.
func (s *Server) resetEKF(req Request) Response {
	if req.ConfirmToken != "" {
		if !s.takeToken(req.ConfirmToken, req.TruckID) {
			return fail(errors.New("confirmation token invalid or expired, request a new one"))
		}
	} else if !req.Force {
		token := s.issueToken(req.TruckID)
		return Response{
			OK:           true,
			ConfirmToken: token,
			Message:      fmt.Sprintf("resetting the fuel filter discards learned state for truck %s; resend with confirm_token within %s", req.TruckID, confirmTTL),
		}
	}

	if err := s.ctl.ResetEKF(req.TruckID); err != nil {
		return fail(err)
	}
	s.logger.Infof("fuel filter reset for truck %s", req.TruckID)
	return Response{OK: true, Message: "fuel filter reset"}
}

func (s *Server) issueToken(truckID string) string {
	token := uuid.NewString()
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, t)
		}
	}
	s.pending[token] = pendingReset{truckID: truckID, expires: now.Add(confirmTTL)}
	return token
}

func (s *Server) takeToken(token, truckID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok {
		return false
	}
	delete(s.pending, token)
	return p.truckID == truckID && !s.clock.Now().After(p.expires)
}
