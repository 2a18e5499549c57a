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

package session

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Dialer opens the raw transport connection an Origin needs, before any
// TLS handshake. It is the same net.Dialer-based seam the teacher's
// balancer used for its default dial function.
type Dialer struct {
	NetDialer *net.Dialer
}

// NewDialer builds a Dialer around a zero net.Dialer: it sets no connect
// timeout of its own, so ctx's deadline is the only bound.
func NewDialer() *Dialer {
	return &Dialer{NetDialer: &net.Dialer{}}
}

// DialContext opens a TCP connection to hostPort, honoring ctx's
// deadline as the connect timeout (spec.md §4.3 "OS connect
// refuse/timeout raises NewConnectionError").
func (d *Dialer) DialContext(ctx context.Context, hostPort string) (net.Conn, error) {
	nd := d.NetDialer
	if nd == nil {
		nd = &net.Dialer{}
	}
	conn, err := nd.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, errors.Wrapf(err, "session: dialing %s", hostPort)
	}
	return conn, nil
}

// DialViaProxy opens a TCP connection to the proxy and issues a CONNECT
// tunnel to target, returning the tunneled net.Conn once the proxy
// answers 200. This is spec.md §4.1's "TLS CONNECT tunnel establishment
// happens at connection open inside C2".
func (d *Dialer) DialViaProxy(ctx context.Context, proxyURL *url.URL, target string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, proxyAuthority(proxyURL))
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if user := proxyURL.User; user != nil {
		if pass, ok := user.Password(); ok {
			connectReq.SetBasicAuth(user.Username(), pass)
		}
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: writing CONNECT request")
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: reading CONNECT response")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.Errorf("session: proxy CONNECT to %s failed: %s", target, resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, errors.New("session: proxy sent data before CONNECT tunnel was established")
	}
	return conn, nil
}

func proxyAuthority(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
