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

// Package session implements the connection component (spec.md §4.3,
// component C2): a single transport plus protocol state machine, shared
// across HTTP/1.1, HTTP/2, and HTTP/3 behind one capability surface
// (spec.md §9's "tagged variant" guidance).
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/origin"
)

// Protocol names the wire protocol a Conn speaks.
type Protocol int

const (
	ProtocolH1 Protocol = iota
	ProtocolH2
	ProtocolH3
)

func (p Protocol) String() string {
	switch p {
	case ProtocolH1:
		return "http/1.1"
	case ProtocolH2:
		return "h2"
	case ProtocolH3:
		return "h3"
	default:
		return "unknown"
	}
}

// State is the connection lifecycle state from spec.md §4.3.
type State int

const (
	StateConnecting State = iota
	StateIdle
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ResponseHead is the status line plus headers, available as soon as the
// first HEADERS frame or status line arrives (spec.md §4.3 "Receiving").
type ResponseHead struct {
	StatusCode int
	Proto      string
	Header     map[string][]string
}

// Body is the asynchronous byte sequence backing a response, plus the
// trailer headers delivered once the body is fully consumed.
type Body interface {
	io.ReadCloser
	// Trailer returns the trailer headers; valid only after Read has
	// returned io.EOF.
	Trailer() map[string][]string
}

// StreamHandle identifies one request/response exchange on a Conn. Each
// Conn numbers its streams with its own counter, starting at 1; an H1
// Conn has at most one open at a time (spec.md's "H1 connection never
// has n_streams > 1" invariant).
type StreamHandle uint32

// Conn is the capability surface spec.md §9 asks for: one shared
// interface implemented by h1Conn, h2Conn, and h3Conn so the rest of the
// module never branches on protocol.
type Conn interface {
	Origin() origin.Origin
	Protocol() Protocol
	State() State
	MaxConcurrentStreams() uint32
	InFlightStreams() int
	CreatedAt() time.Time
	LastActivityAt() time.Time
	// Info returns the latency telemetry recorded while this connection
	// was established: dial time, TLS handshake time (zero for
	// plaintext), and the protocol actually negotiated.
	Info() ConnInfo

	// OpenStream reserves a new stream. It fails if the connection
	// cannot accept new streams (Draining or Closed), or if opening it
	// would exceed MaxConcurrentStreams — spec.md §4.3 treats the
	// latter as a pool invariant violation, not a normal error.
	OpenStream(ctx context.Context) (StreamHandle, error)
	// WriteHeaders sends the request line and header block for stream.
	WriteHeaders(ctx context.Context, stream StreamHandle, req *OutgoingRequest) error
	// WriteBody streams request body bytes for stream. Call with a nil
	// or empty final chunk plus last=true to close the request body.
	WriteBody(ctx context.Context, stream StreamHandle, chunk []byte, last bool) error
	// ReadHead blocks until the response status line and headers for
	// stream arrive.
	ReadHead(ctx context.Context, stream StreamHandle) (ResponseHead, error)
	// ReadBody returns the streaming body reader for stream. Must be
	// called after ReadHead.
	ReadBody(ctx context.Context, stream StreamHandle) (Body, error)
	// CancelStream aborts stream: RST_STREAM on H2/H3, connection close
	// on H1 (spec.md §4.3 "Cancellation": H1 has no clean per-stream
	// cancel).
	CancelStream(stream StreamHandle) error
	// Ping sends a protocol-level liveness probe. H1 has none and
	// returns nil immediately; H2 sends a PING frame and waits for ACK;
	// H3 has no frame-level access and only returns ctx's error.
	Ping(ctx context.Context) error
	// Close ends the connection unconditionally.
	Close() error

	// Drain requests a graceful transition to Draining: no new streams
	// accepted, in-flight streams complete normally.
	Drain()
}

// OutgoingRequest is the wire-agnostic shape WriteHeaders consumes.
type OutgoingRequest struct {
	Method        string
	Path          string
	Authority     string
	Header        map[string][]string
	ContentLength int64 // -1 means unknown/chunked
	Expect100     bool
}

// ConnInfo is per-connection latency telemetry, the Go-idiomatic
// counterpart of a connection-info record: how long the dial and
// handshake took and what the peer actually negotiated. It is captured
// once, at connection-establishment time, and never mutated afterward.
type ConnInfo struct {
	// DialLatency is the time spent in the TCP (or proxy CONNECT) dial.
	DialLatency time.Duration
	// TLSHandshakeLatency is the time spent negotiating TLS. Zero for
	// plaintext connections.
	TLSHandshakeLatency time.Duration
	// NegotiatedProtocol is the ALPN protocol the peer selected, or ""
	// for plaintext H1 where there is no ALPN negotiation.
	NegotiatedProtocol string
}

// baseState is the shared bookkeeping embedded by every Conn
// implementation: state, timestamps, and the mutex protecting them.
// Actual I/O happens outside the lock, per spec.md §5.
type baseState struct {
	mu             sync.Mutex
	origin         origin.Origin
	state          State
	createdAt      time.Time
	lastActivityAt time.Time
	lastPingAt     time.Time
	inFlight       map[StreamHandle]struct{}
	closeReason    string
	clock          internal.Clock
	info           ConnInfo
}

func newBaseState(o origin.Origin, clock internal.Clock) baseState {
	now := clock.Now()
	return baseState{
		origin:         o,
		state:          StateConnecting,
		createdAt:      now,
		lastActivityAt: now,
		inFlight:       make(map[StreamHandle]struct{}),
		clock:          clock,
	}
}

func (b *baseState) Origin() origin.Origin { return b.origin }

func (b *baseState) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseState) CreatedAt() time.Time { return b.createdAt }

// Info returns the latency telemetry recorded for this connection.
func (b *baseState) Info() ConnInfo { return b.info }

// setInfo records the connection-establishment telemetry. Callers set
// this once, before the Conn is handed to the pool, so no locking is
// needed: the value is published safely by the same happens-before edge
// that publishes the Conn itself.
func (b *baseState) setInfo(info ConnInfo) { b.info = info }

// infoSetter is implemented by every Conn (h1Conn, h2Conn, h3Conn) via
// their embedded baseState. It stays unexported: only the dialer that
// just constructed a Conn should be able to record its info.
type infoSetter interface {
	setInfo(ConnInfo)
}

// RecordInfo attaches connection-establishment telemetry to conn. Meant
// to be called exactly once, by whatever dialed conn, before it is
// handed off to a pool.
func RecordInfo(conn Conn, info ConnInfo) {
	if s, ok := conn.(infoSetter); ok {
		s.setInfo(info)
	}
}

func (b *baseState) LastActivityAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivityAt
}

func (b *baseState) touch() {
	b.mu.Lock()
	b.lastActivityAt = b.clock.Now()
	b.mu.Unlock()
}

func (b *baseState) InFlightStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

// transitionTo implements the state table of spec.md §4.3. It reports
// whether the transition was legal; illegal transitions are no-ops so
// callers can treat them as programmer errors to log rather than crash
// on.
func (b *baseState) transitionTo(next State, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !legalTransition(b.state, next) {
		return false
	}
	b.state = next
	if next == StateClosed {
		b.closeReason = reason
	}
	return true
}

func legalTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateIdle || to == StateClosed
	case StateIdle:
		return to == StateActive || to == StateDraining || to == StateClosed
	case StateActive:
		return to == StateIdle || to == StateDraining || to == StateClosed
	case StateDraining:
		return to == StateClosed
	case StateClosed:
		return false
	default:
		return false
	}
}

func (b *baseState) markStreamOpen(s StreamHandle) {
	b.mu.Lock()
	b.inFlight[s] = struct{}{}
	b.mu.Unlock()
}

func (b *baseState) markStreamClosed(s StreamHandle) {
	b.mu.Lock()
	delete(b.inFlight, s)
	empty := len(b.inFlight) == 0
	draining := b.state == StateDraining
	b.mu.Unlock()
	if empty && draining {
		b.transitionTo(StateClosed, "drained")
	}
}
