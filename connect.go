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

package httplb

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/wireloop/httpconn/attribute"
	"github.com/wireloop/httpconn/conn"
	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/origin"
	"github.com/wireloop/httpconn/pool"
	"github.com/wireloop/httpconn/resolver"
	"github.com/wireloop/httpconn/session"
)

// connector turns a resolved address into a live session.Conn. It is the
// root package's implementation of pool.NewOriginDialer: PerOriginPool
// asks addrBalancer.Pick for an address and hands the rest of the work —
// dialing, proxy tunneling, TLS, and protocol negotiation — to a
// connector, grounded on the teacher's own dialer/roundtripper wiring in
// client.go and balancer.go.
type connector struct {
	dialer     *session.Dialer
	tlsRoots   *x509.CertPool
	h2Transport *http2.Transport
	h3Factory  func(ctx context.Context, o origin.Origin) (session.H3RoundTripper, error)
	clock      internal.Clock
}

func newConnector(dialer *session.Dialer, roots *x509.CertPool, h3Factory func(ctx context.Context, o origin.Origin) (session.H3RoundTripper, error), clock internal.Clock) *connector {
	if dialer == nil {
		dialer = session.NewDialer()
	}
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &connector{
		dialer:      dialer,
		tlsRoots:    roots,
		h2Transport: &http2.Transport{},
		h3Factory:   h3Factory,
		clock:       clock,
	}
}

// newOriginDialer adapts connector.dial to pool.NewOriginDialer's shape,
// closing over the pick function addrBalancer supplies for one Origin.
func (c *connector) newOriginDialer(pick func(ctx context.Context) (resolver.Address, func(), error)) pool.Dialer {
	return func(ctx context.Context, o origin.Origin) (session.Conn, error) {
		return c.dial(ctx, o, pick)
	}
}

func (c *connector) dial(ctx context.Context, o origin.Origin, pick func(ctx context.Context) (resolver.Address, func(), error)) (session.Conn, error) {
	if o.Scheme.WantsRFC8441() {
		return c.dialH2(ctx, o, pick)
	}
	if c.h3Factory != nil {
		if conn, err := c.tryH3(ctx, o); err == nil {
			return conn, nil
		}
		// Fall through to TCP on any H3 failure (e.g. no QUIC route,
		// blocked UDP): spec.md's transport selection treats H3 as a
		// best-effort upgrade, not a hard requirement.
	}

	addr, whenDone, err := pick(ctx)
	if whenDone != nil {
		defer whenDone()
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect: resolving address")
	}

	dialStart := c.clock.Now()
	nc, err := c.dialTCP(ctx, o, addr)
	if err != nil {
		return nil, err
	}
	dialLatency := c.clock.Now().Sub(dialStart)

	if !o.Scheme.IsTLS() {
		conn := session.NewH1Conn(o, nc, c.clock)
		session.RecordInfo(conn, session.ConnInfo{DialLatency: dialLatency})
		return conn, nil
	}

	tlsStart := c.clock.Now()
	uconn, err := session.HandshakeTLS(ctx, nc, o.TLSProfile, c.tlsRoots)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	info := session.ConnInfo{
		DialLatency:         dialLatency,
		TLSHandshakeLatency: c.clock.Now().Sub(tlsStart),
		NegotiatedProtocol:  uconn.ConnectionState().NegotiatedProtocol,
	}
	switch session.NegotiatedProtocol(uconn) {
	case session.ProtocolH2:
		conn, err := session.NewH2Conn(o, uconn, c.h2Transport, c.clock)
		if err != nil {
			_ = uconn.Close()
			return nil, err
		}
		session.RecordInfo(conn, info)
		return conn, nil
	default:
		conn := session.NewH1Conn(o, uconn, c.clock)
		session.RecordInfo(conn, info)
		return conn, nil
	}
}

// dialH2 forces an H2 connection for ws+rfc8441/wss+rfc8441 origins,
// which require RFC 8441 extended CONNECT and so cannot fall back to H1.
func (c *connector) dialH2(ctx context.Context, o origin.Origin, pick func(ctx context.Context) (resolver.Address, func(), error)) (session.Conn, error) {
	addr, whenDone, err := pick(ctx)
	if whenDone != nil {
		defer whenDone()
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect: resolving address")
	}
	dialStart := c.clock.Now()
	nc, err := c.dialTCP(ctx, o, addr)
	if err != nil {
		return nil, err
	}
	dialLatency := c.clock.Now().Sub(dialStart)
	if !o.Scheme.IsTLS() {
		return nil, errors.Errorf("connect: %s requires TLS", o.Scheme)
	}
	profile := o.TLSProfile
	profile.ALPNOffers = "h2"
	tlsStart := c.clock.Now()
	uconn, err := session.HandshakeTLS(ctx, nc, profile, c.tlsRoots)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	tlsLatency := c.clock.Now().Sub(tlsStart)
	if session.NegotiatedProtocol(uconn) != session.ProtocolH2 {
		_ = uconn.Close()
		return nil, errors.Errorf("connect: peer did not negotiate h2 for %s", o.Scheme)
	}
	conn, err := session.NewH2Conn(o, uconn, c.h2Transport, c.clock)
	if err != nil {
		_ = uconn.Close()
		return nil, err
	}
	session.RecordInfo(conn, session.ConnInfo{
		DialLatency:         dialLatency,
		TLSHandshakeLatency: tlsLatency,
		NegotiatedProtocol:  uconn.ConnectionState().NegotiatedProtocol,
	})
	return conn, nil
}

func (c *connector) tryH3(ctx context.Context, o origin.Origin) (session.Conn, error) {
	rt, err := c.h3Factory(ctx, o)
	if err != nil {
		return nil, err
	}
	return session.NewH3Conn(o, rt, 0, c.clock), nil
}

// probeDial opens a short-lived plain-HTTP session.Conn against addr and
// wraps it as a conn.Conn, satisfying pool.ManagerConfig.ProbeDial. The
// address-ranking machinery in pool/health/picker only ever needs a
// liveness signal, so probes always speak H1 over an unencrypted socket
// rather than repeating the origin's own TLS/ALPN negotiation.
func (c *connector) probeDial(ctx context.Context, addr resolver.Address) (conn.Conn, error) {
	nc, err := c.dialer.DialContext(ctx, addr.HostPort)
	if err != nil {
		return nil, errors.Wrap(err, "connect: probe dial")
	}
	sc := session.NewH1Conn(origin.Origin{Scheme: origin.SchemeHTTP, Host: addr.HostPort}, nc, c.clock)
	return &probeConn{sc: sc, addr: addr}, nil
}

// probeConn adapts a session.Conn to conn.Conn so a resolved address can
// take part in the picker/health-checker ranking machinery
// (pool/addrbalancer.go's addrConn.RoundTrip) without tying that ranking
// to a pooled connection carrying live request traffic.
type probeConn struct {
	sc   session.Conn
	addr resolver.Address

	mu    sync.Mutex
	attrs attribute.Values
}

func (p *probeConn) RoundTrip(req *http.Request, whenDone func()) (*http.Response, error) {
	if whenDone != nil {
		defer whenDone()
	}
	ctx := req.Context()
	stream, err := p.sc.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.sc.WriteHeaders(ctx, stream, outgoingRequest(req, origin.Origin{Scheme: origin.SchemeHTTP, Host: p.addr.HostPort})); err != nil {
		p.sc.CancelStream(stream) //nolint:errcheck
		return nil, err
	}
	if err := p.sc.WriteBody(ctx, stream, nil, true); err != nil {
		p.sc.CancelStream(stream) //nolint:errcheck
		return nil, err
	}
	head, err := p.sc.ReadHead(ctx, stream)
	if err != nil {
		p.sc.CancelStream(stream) //nolint:errcheck
		return nil, err
	}
	body, err := p.sc.ReadBody(ctx, stream)
	if err != nil {
		p.sc.CancelStream(stream) //nolint:errcheck
		return nil, err
	}
	return &http.Response{
		StatusCode: head.StatusCode,
		Status:     fmt.Sprintf("%d %s", head.StatusCode, http.StatusText(head.StatusCode)),
		Proto:      protoName(p.sc.Protocol()),
		ProtoMajor: protoMajor(p.sc.Protocol()),
		Header:     http.Header(head.Header),
		Body:       body,
	}, nil
}

func (p *probeConn) Scheme() string { return string(origin.SchemeHTTP) }

func (p *probeConn) Address() resolver.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.addr
	addr.Attributes = p.attrs
	return addr
}

func (p *probeConn) UpdateAttributes(attrs attribute.Values) {
	p.mu.Lock()
	p.attrs = attrs
	p.mu.Unlock()
}

// Prewarm is a no-op: probeDial already performed the dial that would
// otherwise warm the connection.
func (p *probeConn) Prewarm(context.Context) error { return nil }

func (p *probeConn) Close() error { return p.sc.Close() }

var _ conn.Conn = (*probeConn)(nil)

func (c *connector) dialTCP(ctx context.Context, o origin.Origin, addr resolver.Address) (net.Conn, error) {
	if o.Proxy != "" {
		proxyURL, err := url.Parse(o.Proxy)
		if err != nil {
			return nil, errors.Wrapf(err, "connect: invalid proxy URL %q", o.Proxy)
		}
		return c.dialer.DialViaProxy(ctx, proxyURL, addr.HostPort)
	}
	return c.dialer.DialContext(ctx, addr.HostPort)
}
