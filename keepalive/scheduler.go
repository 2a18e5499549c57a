// Copyright 2023-2025 Buf Technologies, Inc.
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

// Package keepalive implements spec.md §4.4's Keepalive scheduler
// (component C5): one scheduled task per idle multiplexed connection,
// arming a PING after a silence window and giving up on the connection
// if the ACK never arrives. The ticking-goroutine-per-watched-item shape
// is grounded on health/polling.go's pollingProcess.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/session"
)

// Policy configures the scheduler. NewScheduler raises an IdleWindow
// below 1s to 1s and fills in a zero PingTimeout from IdleWindow; the
// suggested values of spec.md §4.4 come from DefaultPolicy.
type Policy struct {
	// IdleWindow is how long a multiplexed connection may sit idle before
	// a liveness PING is sent. Minimum 1s, recommended >= 30s.
	IdleWindow time.Duration
	// PingTimeout bounds how long to wait for the PING ACK before
	// declaring the connection dead. Defaults to IdleWindow.
	PingTimeout time.Duration
	// BestEffortAfter is spec.md §4.4's keepalive_delay: once a
	// connection has been idle for this long in total, the scheduler
	// stops pinging it (entering "best-effort" mode) but does not force
	// it closed — it simply lets the pool's own idle bookkeeping decide
	// its fate. Zero disables best-effort mode: pinging continues
	// indefinitely.
	BestEffortAfter time.Duration
}

// DefaultPolicy returns spec.md §4.4's suggested keepalive parameters.
func DefaultPolicy() Policy {
	return Policy{
		IdleWindow:      30 * time.Second,
		PingTimeout:     10 * time.Second,
		BestEffortAfter: 0,
	}
}

func (p Policy) applyDefaults() Policy {
	if p.IdleWindow < time.Second {
		p.IdleWindow = time.Second
	}
	if p.PingTimeout <= 0 {
		p.PingTimeout = p.IdleWindow
	}
	return p
}

// Scheduler arms and cancels per-connection PING watches. It only acts on
// multiplexed connections (H2/H3); Watch is a no-op for H1, which has no
// protocol-level PING (spec.md §4.4).
type Scheduler struct {
	policy Policy
	clock  internal.Clock
	onDead func(conn session.Conn)

	mu      sync.Mutex
	watches map[session.Conn]*watch
	closed  bool
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a Scheduler. onDead is invoked (from the watching
// goroutine, not synchronously with Watch/Cancel) when a PING times out;
// callers typically wire it to (*pool.PerOriginPool).DiscardBroken.
func NewScheduler(policy Policy, clock internal.Clock, onDead func(conn session.Conn)) *Scheduler {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &Scheduler{
		policy:  policy.applyDefaults(),
		clock:   clock,
		onDead:  onDead,
		watches: make(map[session.Conn]*watch),
	}
}

// Watch arms a PING schedule for conn, starting from the moment it went
// idle. It is idempotent: watching an already-watched connection is a
// no-op.
func (s *Scheduler) Watch(conn session.Conn) {
	if conn.Protocol() == session.ProtocolH1 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.watches[conn]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel, done: make(chan struct{})}
	s.watches[conn] = w
	s.mu.Unlock()

	go s.run(ctx, conn, w)
}

// Cancel disarms conn's PING schedule, per spec.md §4.4's "cancelled on
// acquisition". It blocks until the watching goroutine has exited.
func (s *Scheduler) Cancel(conn session.Conn) {
	s.mu.Lock()
	w, ok := s.watches[conn]
	delete(s.watches, conn)
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// Close cancels every outstanding watch. No further Watch calls are
// honored afterward.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	s.watches = make(map[session.Conn]*watch)
	s.mu.Unlock()

	for _, w := range watches {
		w.cancel()
		<-w.done
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, conn session.Conn, w *watch) {
	defer close(w.done)
	defer s.forget(conn)

	idleSince := s.clock.Now()
	timer := s.clock.NewTimer(s.policy.IdleWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			if conn.State() != session.StateIdle {
				return
			}
			if s.policy.BestEffortAfter > 0 && s.clock.Since(idleSince) >= s.policy.BestEffortAfter {
				// Best-effort phase: stop pinging, leave the connection
				// as-is for the pool to reclaim on its own terms.
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, s.policy.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if s.onDead != nil {
					s.onDead(conn)
				}
				return
			}
			timer.Reset(s.policy.IdleWindow)
		}
	}
}

func (s *Scheduler) forget(conn session.Conn) {
	s.mu.Lock()
	delete(s.watches, conn)
	s.mu.Unlock()
}
