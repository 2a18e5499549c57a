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

package pool

import (
	"context"
	"sync"

	"github.com/wireloop/httpconn/origin"
	"github.com/wireloop/httpconn/session"
)

// Outcome tells Release how the connection fared during its last use.
type Outcome int

const (
	// OutcomeOK returns a healthy connection to the pool.
	OutcomeOK Outcome = iota
	// OutcomeBroken discards the connection instead of returning it —
	// a write/read/protocol error makes it unsafe to reuse.
	OutcomeBroken
)

// Dialer opens a brand-new session.Conn for an Origin. Manager supplies
// an implementation that resolves an address via addrBalancer, dials it
// with session.Dialer, optionally performs session.HandshakeTLS, and
// wraps the result with session.NewH1Conn/NewH2Conn/NewH3Conn depending
// on what got negotiated.
type Dialer func(ctx context.Context, o origin.Origin) (session.Conn, error)

// PerOriginPool is spec.md §3's "PerOriginPool": the set of connections
// (and would-be connections) sharing one Origin. Acquire/Release/
// DiscardBroken implement spec.md §4.2's connection lifecycle policy.
type PerOriginPool struct {
	origin  origin.Origin
	dial    Dialer
	maxSize int
	maxIdle int // max idle H1 connections retained

	mu          sync.Mutex
	all         map[session.Conn]struct{}
	idleH1      []session.Conn // LIFO: idleH1[len-1] is the most recently released
	multiplexed []session.Conn // H2/H3 connections, always reachable while open
	waiters     *waiterQueue
	closed      bool
}

// NewPerOriginPool builds an empty pool for o. maxSize bounds the total
// number of connections (H1 and multiplexed combined); maxIdle bounds
// how many idle H1 connections are retained rather than closed
// immediately on release.
func NewPerOriginPool(o origin.Origin, dial Dialer, maxSize, maxIdle int) *PerOriginPool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PerOriginPool{
		origin:  o,
		dial:    dial,
		maxSize: maxSize,
		maxIdle: maxIdle,
		all:     make(map[session.Conn]struct{}),
		waiters: newWaiterQueue(),
	}
}

// Len reports the total number of connections currently held open,
// including in-flight ones. Used by Manager for LRU eviction of
// entirely-empty pools.
func (p *PerOriginPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Acquire returns a connection to use for one request, blocking (subject
// to ctx) if the pool is at capacity and no idle/multiplexed connection
// is available. It never returns a Draining or Closed connection.
func (p *PerOriginPool) Acquire(ctx context.Context) (session.Conn, error) {
	for {
		conn, w, cancel, err := p.tryAcquireLocked(ctx)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}

		select {
		case conn := <-w.ch:
			if conn == nil {
				return nil, ErrPoolClosed
			}
			return conn, nil
		case <-ctx.Done():
			// Remove w from the queue before giving up, or a later
			// Release could still wakeOne it: the connection would be
			// handed to a channel nobody reads, permanently shrinking
			// the pool's effective capacity. Do this under p.mu so it
			// can't race a concurrent wakeOne — if wakeOne already won
			// that race, w.ch already has a connection waiting; hand it
			// back to the pool instead of leaking it.
			p.mu.Lock()
			select {
			case conn := <-w.ch:
				p.mu.Unlock()
				if conn != nil {
					p.Release(conn, OutcomeOK)
				}
			default:
				cancel()
				p.mu.Unlock()
			}
			return nil, ErrAcquireTimeout
		}
	}
}

// TryAcquire is Acquire's non-blocking form: it hands back an idle or
// spare-capacity connection if one exists, and otherwise returns
// ErrPoolFull immediately rather than dialing or queuing a waiter
// (spec.md §4.2's "PoolFullError" branch, for callers with no budget
// left to wait).
func (p *PerOriginPool) TryAcquire() (session.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if conn := p.bestMultiplexedLocked(); conn != nil {
		return conn, nil
	}
	if conn := p.popIdleH1Locked(); conn != nil {
		return conn, nil
	}
	return nil, ErrPoolFull
}

// tryAcquireLocked is Acquire's per-iteration body: it either returns a
// usable connection, enqueues a waiter (returned so the caller can block
// on it), or dials a fresh connection when there's room to grow. Dialing
// happens outside the lock.
func (p *PerOriginPool) tryAcquireLocked(ctx context.Context) (session.Conn, *waiter, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, nil, ErrPoolClosed
	}
	if conn := p.bestMultiplexedLocked(); conn != nil {
		p.mu.Unlock()
		return conn, nil, nil, nil
	}
	if conn := p.popIdleH1Locked(); conn != nil {
		p.mu.Unlock()
		return conn, nil, nil, nil
	}
	if len(p.all) < p.maxSize {
		p.mu.Unlock()
		conn, err := p.dialAndRegister(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		return conn, nil, nil, nil
	}
	w, cancel := p.waiters.push()
	p.mu.Unlock()
	return nil, w, cancel, nil
}

func (p *PerOriginPool) dialAndRegister(ctx context.Context) (session.Conn, error) {
	conn, err := p.dial(ctx, p.origin)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	p.all[conn] = struct{}{}
	if conn.Protocol() != session.ProtocolH1 {
		p.multiplexed = append(p.multiplexed, conn)
	}
	p.mu.Unlock()
	return conn, nil
}

// +checklocks:p.mu
func (p *PerOriginPool) bestMultiplexedLocked() session.Conn {
	var best session.Conn
	var bestFree int64
	var bestActivity int64
	for _, conn := range p.multiplexed {
		if conn.State() == session.StateDraining || conn.State() == session.StateClosed {
			continue
		}
		free := int64(conn.MaxConcurrentStreams()) - int64(conn.InFlightStreams())
		if free <= 0 {
			continue
		}
		activity := conn.LastActivityAt().UnixNano()
		if best == nil || free > bestFree || (free == bestFree && activity > bestActivity) {
			best, bestFree, bestActivity = conn, free, activity
		}
	}
	return best
}

// +checklocks:p.mu
func (p *PerOriginPool) popIdleH1Locked() session.Conn {
	for len(p.idleH1) > 0 {
		last := len(p.idleH1) - 1
		conn := p.idleH1[last]
		p.idleH1 = p.idleH1[:last]
		if conn.State() == session.StateIdle {
			return conn
		}
		// Stale entry (closed/drained out from under us); drop and keep
		// looking rather than handing out a dead connection.
		delete(p.all, conn)
	}
	return nil
}

// Release returns conn after use. On OutcomeOK it makes the connection
// available again (pushing H1 onto the idle LIFO, leaving multiplexed
// connections where they are) and wakes one waiter if any are queued. On
// OutcomeBroken it closes and forgets the connection entirely.
func (p *PerOriginPool) Release(conn session.Conn, outcome Outcome) {
	if outcome == OutcomeBroken {
		p.discard(conn)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if _, ok := p.all[conn]; !ok {
		p.mu.Unlock()
		return
	}

	if conn.Protocol() == session.ProtocolH1 {
		if p.waiters.wakeOne(conn) {
			p.mu.Unlock()
			return
		}
		// idleH1[0] is the oldest, coldest idle connection (idleH1[len-1]
		// is the most recently released). Once idle exceeds max_idle,
		// evict the stalest entry rather than the one just released, so
		// warm connections are kept in preference to cold ones.
		var evicted session.Conn
		if len(p.idleH1) >= p.maxIdleAllowance() {
			evicted = p.idleH1[0]
			p.idleH1 = p.idleH1[1:]
			delete(p.all, evicted)
		}
		p.idleH1 = append(p.idleH1, conn)
		p.mu.Unlock()
		if evicted != nil {
			_ = evicted.Close()
		}
		return
	}

	// Multiplexed: it's already reachable via p.multiplexed. Just wake a
	// waiter in case one is blocked on capacity that just freed up.
	p.waiters.wakeOne(conn)
	p.mu.Unlock()
}

func (p *PerOriginPool) maxIdleAllowance() int {
	if p.maxIdle <= 0 {
		return 1
	}
	return p.maxIdle
}

// DiscardBroken removes conn from the pool and closes it, without
// requiring the caller to have Release semantics available (used by
// keepalive.Scheduler when a PING times out).
func (p *PerOriginPool) DiscardBroken(conn session.Conn) {
	p.discard(conn)
}

func (p *PerOriginPool) discard(conn session.Conn) {
	p.mu.Lock()
	delete(p.all, conn)
	p.multiplexed = removeConn(p.multiplexed, conn)
	p.idleH1 = removeConn(p.idleH1, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

func removeConn(s []session.Conn, target session.Conn) []session.Conn {
	for i, c := range s {
		if c == target {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Close drains and closes every connection this pool holds, and fails
// any queued waiters. Safe to call more than once.
func (p *PerOriginPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]session.Conn, 0, len(p.all))
	for conn := range p.all {
		all = append(all, conn)
	}
	p.all = make(map[session.Conn]struct{})
	p.idleH1 = nil
	p.multiplexed = nil
	for p.waiters.len() > 0 {
		p.waiters.wakeOne(nil)
	}
	p.mu.Unlock()

	for _, conn := range all {
		_ = conn.Close()
	}
	return nil
}
