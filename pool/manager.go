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

// Package pool implements the connection-pooling components (spec.md §4.2,
// components C3 and C4): PerOriginPool manages the connections for one
// Origin, and Manager owns the origin-to-pool map plus the addrBalancer
// that feeds each pool the next resolved address to dial.
package pool

import (
	"container/list"
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wireloop/httpconn/conn"
	"github.com/wireloop/httpconn/health"
	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/keepalive"
	"github.com/wireloop/httpconn/origin"
	"github.com/wireloop/httpconn/picker"
	"github.com/wireloop/httpconn/resolver"
	"github.com/wireloop/httpconn/session"
)

// NewOriginDialer builds the Dialer a Manager should use for a given
// Origin: resolve an address via the origin's addrBalancer, then dial and
// negotiate a protocol over it. Supplied by the root package, which knows
// how to turn a resolver.Address plus origin.TLSProfile into a live
// session.Conn (session.Dialer, session.HandshakeTLS, session.NewH1Conn/
// NewH2Conn/NewH3Conn).
type NewOriginDialer func(pick func(ctx context.Context) (resolver.Address, func(), error)) Dialer

// ManagerConfig configures a Manager's pool sizing and address balancing.
type ManagerConfig struct {
	MaxConnsPerOrigin  int
	MaxIdleH1PerOrigin int
	MaxIdlePools       int // idle (empty) per-origin pools retained before LRU eviction
	Resolver           resolver.Resolver
	PickerFactory      picker.Factory
	HealthChecker      health.Checker
	NewDialer          NewOriginDialer
	// ProbeDial opens a short-lived conn.Conn against one resolved
	// address, used only by HealthChecker's probes (see pool/addrbalancer.go).
	ProbeDial func(ctx context.Context, addr resolver.Address) (conn.Conn, error)
	// Keepalive configures C5's per-connection PING schedule; the zero
	// value applies keepalive.DefaultPolicy().
	Keepalive keepalive.Policy
	// Clock backs the keepalive scheduler's timers; nil uses the real
	// clock. Tests inject a clocktest.FakeClock here.
	Clock internal.Clock
}

type entry struct {
	pool      *PerOriginPool
	balCloser io.Closer
	elem      *list.Element // non-nil while idle (Len()==0) and tracked in the LRU list
}

// Manager owns every PerOriginPool this module has created, keyed by
// origin.Origin, and evicts pools that go idle (spec.md §4.2's "an
// Origin's PerOriginPool with 0 connections and 0 waiters may be
// evicted... an Origin with active connections is never evicted").
type Manager struct {
	cfg       ManagerConfig
	keepalive *keepalive.Scheduler

	mu     sync.Mutex
	pools  map[origin.Origin]*entry
	idle   *list.List // LRU list of origin.Origin, front = most recently gone idle
	closed bool
}

// NewManager builds an empty Manager. cfg.Resolver, cfg.PickerFactory,
// cfg.HealthChecker, and cfg.NewDialer must all be set; NewManager panics
// otherwise, since a Manager cannot dial anything without them.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Resolver == nil || cfg.PickerFactory == nil || cfg.HealthChecker == nil || cfg.NewDialer == nil {
		panic("pool: NewManager requires Resolver, PickerFactory, HealthChecker, and NewDialer")
	}
	if cfg.MaxConnsPerOrigin <= 0 {
		cfg.MaxConnsPerOrigin = 32
	}
	if cfg.MaxIdlePools <= 0 {
		cfg.MaxIdlePools = 64
	}
	if cfg.Keepalive == (keepalive.Policy{}) {
		cfg.Keepalive = keepalive.DefaultPolicy()
	}
	m := &Manager{
		cfg:   cfg,
		pools: make(map[origin.Origin]*entry),
		idle:  list.New(),
	}
	m.keepalive = keepalive.NewScheduler(cfg.Keepalive, cfg.Clock, m.handlePingDead)
	return m
}

// handlePingDead is the keepalive scheduler's onDead callback: it routes
// a PING-timeout failure back to the connection's own PerOriginPool.
func (m *Manager) handlePingDead(conn session.Conn) {
	o := conn.Origin()
	m.mu.Lock()
	e, ok := m.pools[o]
	m.mu.Unlock()
	if ok {
		e.pool.DiscardBroken(conn)
	}
}

// PoolFor returns the PerOriginPool for o, creating it (and the
// addrBalancer that feeds it) on first use.
func (m *Manager) PoolFor(o origin.Origin) (*PerOriginPool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e, ok := m.pools[o]; ok {
		m.unmarkIdleLocked(e)
		m.mu.Unlock()
		return e.pool, nil
	}
	m.mu.Unlock()

	bal := newAddrBalancer(context.Background(), m.cfg.Resolver, m.cfg.PickerFactory, m.cfg.HealthChecker,
		string(o.Scheme), o.HostPort(), m.cfg.ProbeDial)
	balCloser := bal.start()
	dial := m.cfg.NewDialer(bal.Pick)
	p := NewPerOriginPool(o, dial, m.cfg.MaxConnsPerOrigin, m.cfg.MaxIdleH1PerOrigin)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = balCloser.Close()
		_ = bal.Close()
		return nil, ErrPoolClosed
	}
	if e, ok := m.pools[o]; ok {
		// Lost a race with a concurrent PoolFor(o); use theirs, discard ours.
		m.unmarkIdleLocked(e)
		_ = balCloser.Close()
		_ = bal.Close()
		return e.pool, nil
	}
	m.pools[o] = &entry{pool: p, balCloser: multiCloser{balCloser, bal}}
	return p, nil
}

// Acquire is PoolFor(o) followed by Acquire, with the keepalive PING
// schedule disarmed for whatever connection comes back (spec.md §4.4:
// "cancelled on acquisition").
func (m *Manager) Acquire(ctx context.Context, o origin.Origin) (session.Conn, error) {
	p, err := m.PoolFor(o)
	if err != nil {
		return nil, err
	}
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	m.keepalive.Cancel(conn)
	return conn, nil
}

// Release delegates to the pool's Release, re-arms the keepalive PING
// schedule for a multiplexed connection that's now fully idle, and, if
// the pool is now entirely empty, marks it idle for LRU eviction.
func (m *Manager) Release(o origin.Origin, conn session.Conn, outcome Outcome) {
	m.mu.Lock()
	e, ok := m.pools[o]
	m.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return
	}
	e.pool.Release(conn, outcome)

	if outcome == OutcomeOK && conn.Protocol() != session.ProtocolH1 && conn.State() == session.StateIdle {
		m.keepalive.Watch(conn)
	}

	if e.pool.Len() == 0 {
		m.mu.Lock()
		m.markIdleLocked(o, e)
		m.evictOverflowLocked()
		m.mu.Unlock()
	}
}

// +checklocks:m.mu
func (m *Manager) markIdleLocked(o origin.Origin, e *entry) {
	if e.elem != nil {
		return
	}
	e.elem = m.idle.PushFront(o)
}

// +checklocks:m.mu
func (m *Manager) unmarkIdleLocked(e *entry) {
	if e.elem == nil {
		return
	}
	m.idle.Remove(e.elem)
	e.elem = nil
}

// +checklocks:m.mu
func (m *Manager) evictOverflowLocked() {
	for m.idle.Len() > m.cfg.MaxIdlePools {
		back := m.idle.Back()
		if back == nil {
			return
		}
		o := back.Value.(origin.Origin) //nolint:forcetypeassert
		e, ok := m.pools[o]
		if !ok || e.pool.Len() != 0 {
			m.idle.Remove(back)
			if ok {
				e.elem = nil
			}
			continue
		}
		m.idle.Remove(back)
		delete(m.pools, o)
		go func() {
			_ = e.pool.Close()
			_ = e.balCloser.Close()
		}()
	}
}

// Close shuts down every pool and address balancer this Manager owns, in
// parallel, grounded on the teacher client.go's fan-out shutdown of its
// keep-warm pool set.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.pools))
	for _, e := range m.pools {
		entries = append(entries, e)
	}
	m.pools = make(map[origin.Origin]*entry)
	m.idle.Init()
	m.mu.Unlock()

	_ = m.keepalive.Close()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			_ = e.pool.Close()
			return e.balCloser.Close()
		})
	}
	return g.Wait()
}

// Prewarm ensures each of the given origins has at least one live
// connection, in parallel, per spec.md's keep-warm targets.
func (m *Manager) Prewarm(ctx context.Context, origins []origin.Origin) error {
	var g errgroup.Group
	for _, o := range origins {
		o := o
		g.Go(func() error {
			conn, err := m.Acquire(ctx, o)
			if err != nil {
				return err
			}
			m.Release(o, conn, OutcomeOK)
			return nil
		})
	}
	return g.Wait()
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
