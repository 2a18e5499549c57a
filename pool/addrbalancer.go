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
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/wireloop/httpconn/attribute"
	"github.com/wireloop/httpconn/conn"
	"github.com/wireloop/httpconn/health"
	"github.com/wireloop/httpconn/internal/conns"
	"github.com/wireloop/httpconn/picker"
	"github.com/wireloop/httpconn/resolver"
)

var (
	errResolverReturnedNoAddresses = errors.New("pool: resolver returned no addresses")
	errNoHealthyAddresses          = errors.New("pool: no healthy addresses for origin")
)

// addrBalancer picks which of an Origin's resolved addresses a fresh
// session.Conn should be dialed against. It is grounded on the teacher's
// balancer.go, but generalized: instead of owning http.RoundTripper-shaped
// conn.Conn values directly (one per resolved address, each serving live
// traffic), it uses that same conn/health/picker stack purely to rank
// addresses, and the Dialer a PerOriginPool uses asks it for one address
// at dial time
// (spec.md's "SUPPLEMENTED FEATURES" — DNS resolution and per-origin
// address balancing).
type addrBalancer struct {
	//nolint:containedctx
	ctx           context.Context
	cancel        context.CancelFunc
	resolver      resolver.Resolver
	pickerFactory picker.Factory
	healthChecker health.Checker
	scheme        string
	hostPort      string
	probeDial     func(ctx context.Context, addr resolver.Address) (conn.Conn, error)

	resolverUpdates chan struct{}
	latestAddrs     atomic.Pointer[[]resolver.Address]
	latestErr       atomic.Pointer[error]

	closed chan struct{}

	mu           sync.Mutex
	conns        map[string]*addrConn // keyed by HostPort
	latestPicker picker.Picker
}

func newAddrBalancer(
	ctx context.Context,
	res resolver.Resolver,
	pickerFactory picker.Factory,
	checker health.Checker,
	scheme, hostPort string,
	probeDial func(ctx context.Context, addr resolver.Address) (conn.Conn, error),
) *addrBalancer {
	ctx, cancel := context.WithCancel(ctx)
	b := &addrBalancer{
		ctx:             ctx,
		cancel:          cancel,
		resolver:        res,
		pickerFactory:   pickerFactory,
		healthChecker:   checker,
		scheme:          scheme,
		hostPort:        hostPort,
		probeDial:       probeDial,
		resolverUpdates: make(chan struct{}, 1),
		closed:          make(chan struct{}),
		conns:           make(map[string]*addrConn),
	}
	b.latestPicker = picker.ErrorPicker(errResolverReturnedNoAddresses)
	return b
}

func (b *addrBalancer) start() io.Closer {
	refresh := make(chan struct{}, 1)
	watchCloser := b.resolver.New(b.ctx, b.scheme, b.hostPort, b, refresh)
	go b.run()
	return watchCloser
}

func (b *addrBalancer) OnResolve(addrs []resolver.Address) {
	clone := make([]resolver.Address, len(addrs))
	copy(clone, addrs)
	b.latestAddrs.Store(&clone)
	select {
	case b.resolverUpdates <- struct{}{}:
	default:
	}
}

func (b *addrBalancer) OnResolveError(err error) {
	b.latestErr.Store(&err)
	select {
	case b.resolverUpdates <- struct{}{}:
	default:
	}
}

func (b *addrBalancer) run() {
	defer close(b.closed)
	for {
		select {
		case <-b.ctx.Done():
			b.shutdownConns()
			return
		case <-b.resolverUpdates:
			addrs := b.latestAddrs.Load()
			if addrs == nil || len(*addrs) == 0 {
				b.mu.Lock()
				b.latestPicker = picker.ErrorPicker(errResolverReturnedNoAddresses)
				b.mu.Unlock()
				continue
			}
			b.reconcile(*addrs)
		}
	}
}

func (b *addrBalancer) reconcile(addrs []resolver.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		seen[addr.HostPort] = struct{}{}
		if existing, ok := b.conns[addr.HostPort]; ok {
			existing.UpdateAttributes(addr.Attributes)
			continue
		}
		ac := &addrConn{addr: addr, scheme: b.scheme, probeDial: b.probeDial}
		b.conns[addr.HostPort] = ac
		checkerCtx, checkerCancel := context.WithCancel(b.ctx)
		ac.checkerCancel = checkerCancel
		ac.checkerCloser = b.healthChecker.New(checkerCtx, ac, b)
	}
	for hostPort, ac := range b.conns {
		if _, ok := seen[hostPort]; !ok {
			ac.checkerCancel()
			_ = ac.checkerCloser.Close()
			delete(b.conns, hostPort)
		}
	}
	b.newPickerLocked()
}

func (b *addrBalancer) shutdownConns() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for hostPort, ac := range b.conns {
		ac.checkerCancel()
		_ = ac.checkerCloser.Close()
		delete(b.conns, hostPort)
	}
}

// UpdateHealthState implements health.Tracker.
func (b *addrBalancer) UpdateHealthState(connection conn.Conn, state health.State) {
	ac, ok := connection.(*addrConn)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ac.state.Store(int32(state))
	b.newPickerLocked()
}

// +checklocks:b.mu
func (b *addrBalancer) newPickerLocked() {
	var usable []conn.Conn
	for _, ac := range b.conns {
		if health.State(ac.state.Load()) != health.StateUnhealthy {
			usable = append(usable, ac)
		}
	}
	if len(usable) == 0 {
		if len(b.conns) == 0 {
			b.latestPicker = picker.ErrorPicker(errResolverReturnedNoAddresses)
		} else {
			b.latestPicker = picker.ErrorPicker(errNoHealthyAddresses)
		}
		return
	}
	b.latestPicker = b.pickerFactory.New(b.latestPicker, conns.FromSlice(usable))
}

// Pick chooses one resolved address to dial for a fresh session.Conn, per
// spec.md's "SUPPLEMENTED FEATURES" address-balancing extension.
func (b *addrBalancer) Pick(ctx context.Context) (resolver.Address, func(), error) {
	b.mu.Lock()
	p := b.latestPicker
	b.mu.Unlock()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+b.hostPort+"/", http.NoBody)
	picked, whenDone, err := p.Pick(req)
	if err != nil {
		return resolver.Address{}, nil, err
	}
	ac, ok := picked.(*addrConn)
	if !ok {
		return resolver.Address{}, nil, errors.New("pool: picker returned an unexpected connection type")
	}
	return ac.addr, whenDone, nil
}

func (b *addrBalancer) Close() error {
	b.cancel()
	<-b.closed
	return nil
}

// addrConn adapts one resolved address to the conn.Conn interface so it
// can participate in the picker/health-checker machinery. Its RoundTrip
// is used only by the health checker's probes (PerOriginPool owns the
// real request/response traffic through session.Conn); this keeps
// probing on the same wire path production traffic would use without
// tying probe lifecycle to a pooled connection.
type addrConn struct {
	addr      resolver.Address
	scheme    string
	probeDial func(ctx context.Context, addr resolver.Address) (conn.Conn, error)

	attrsMu sync.Mutex
	attrs   attribute.Values

	state         atomic.Int32 // health.State
	checkerCancel context.CancelFunc
	checkerCloser io.Closer
}

func (a *addrConn) RoundTrip(req *http.Request, whenDone func()) (*http.Response, error) {
	if whenDone != nil {
		defer whenDone()
	}
	if a.probeDial == nil {
		return nil, errors.New("pool: no probe transport configured for address")
	}
	c, err := a.probeDial(req.Context(), a.addr)
	if err != nil {
		return nil, err
	}
	return c.RoundTrip(req, nil)
}

func (a *addrConn) Scheme() string { return a.scheme }

func (a *addrConn) Address() resolver.Address {
	a.attrsMu.Lock()
	defer a.attrsMu.Unlock()
	addr := a.addr
	addr.Attributes = a.attrs
	return addr
}

func (a *addrConn) UpdateAttributes(attrs attribute.Values) {
	a.attrsMu.Lock()
	a.attrs = attrs
	a.attrsMu.Unlock()
}

func (a *addrConn) Prewarm(ctx context.Context) error {
	if a.probeDial == nil {
		return nil
	}
	c, err := a.probeDial(ctx, a.addr)
	if err != nil {
		return err
	}
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var _ conn.Conn = (*addrConn)(nil)
