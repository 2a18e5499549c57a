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

// Package conn represents one resolved address as seen by the
// address-ranking machinery (resolver, picker, health) that
// pool.addrBalancer uses to decide which of an origin's addresses a
// fresh session.Conn should be dialed against. Live request traffic
// never flows through this interface — that travels over session.Conn,
// acquired straight from pool.Manager. A conn.Conn instead stands in for
// an address during ranking and, when a health.Checker is configured,
// during active probing (see health.NewSimpleProber, which calls
// RoundTrip against a short-lived probe connection opened by
// pool.ManagerConfig.ProbeDial).
package conn

import (
	"context"
	"net/http"

	"github.com/wireloop/httpconn/attribute"
	"github.com/wireloop/httpconn/resolver"
)

// Conn represents one resolved address participating in picker/health
// ranking for an origin. It is not itself the pooled connection that
// carries application traffic.
type Conn interface {
	// RoundTrip issues a request over a connection to this address. Only
	// health.Prober implementations call this (via ProberFunc/
	// NewSimpleProber); it exists so active health checks can exercise
	// the same dial path production traffic would use without tying the
	// probe's lifecycle to a connection borrowed from the pool. whenDone,
	// if non-nil, runs once the exchange completes.
	RoundTrip(req *http.Request, whenDone func()) (*http.Response, error)
	// Scheme returns the URL scheme to use with this connection.
	Scheme() string
	// Address is the resolved address this value represents.
	Address() resolver.Address
	// UpdateAttributes replaces the attributes attached to this address,
	// as reported by the most recent resolver.Resolver update.
	UpdateAttributes(attributes attribute.Values)
	// Prewarm eagerly establishes whatever a probe against this address
	// would otherwise establish lazily. Implementations that have
	// nothing to warm ahead of time treat this as a no-op.
	Prewarm(context.Context) error
}

// Conns represents a read-only set of connections.
type Conns interface {
	// Len returns the total number of connections in the set.
	Len() int
	// Get returns the connection at index i.
	Get(i int) Conn
}
