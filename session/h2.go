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
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/origin"
)

// GoAwayError marks a RoundTrip failure caused by the peer sending
// GOAWAY on this connection (spec.md §8): streams already admitted
// (id <= last-stream-id) still complete normally, but a stream past
// that boundary must be rescheduled on a new connection regardless of
// method, not folded into the generic post-send read-error path that
// only retries idempotent requests.
type GoAwayError struct {
	cause error
}

func (e *GoAwayError) Error() string {
	return "session: h2 connection received GOAWAY: " + e.cause.Error()
}

func (e *GoAwayError) Unwrap() error { return e.cause }

// h2Conn implements Conn over golang.org/x/net/http2.ClientConn, the
// same package the teacher's h2c transports build on. Unlike h1Conn, it
// allows N concurrent streams, bounded by MaxConcurrentStreams.
type h2Conn struct {
	baseState
	cc       *http2.ClientConn
	streamsMu sync.Mutex
	streams  map[StreamHandle]*h2Stream
	nextID   StreamHandle
}

type h2Stream struct {
	reqBodyWriter *io.PipeWriter
	req           *http.Request
	respCh        chan h2RespOrErr
	resp          *http.Response
}

type h2RespOrErr struct {
	resp *http.Response
	err  error
}

// NewH2Conn wraps an established net.Conn (after ALPN negotiated "h2")
// as an H2 Conn using http2.Transport.NewClientConn, in the Idle state.
func NewH2Conn(o origin.Origin, nc net.Conn, t *http2.Transport, clock internal.Clock) (Conn, error) {
	cc, err := t.NewClientConn(nc)
	if err != nil {
		return nil, errors.Wrap(err, "session: establishing http2 client connection")
	}
	c := &h2Conn{
		baseState: newBaseState(o, clock),
		cc:        cc,
		streams:   make(map[StreamHandle]*h2Stream),
	}
	c.transitionTo(StateIdle, "")
	return c, nil
}

func (c *h2Conn) Protocol() Protocol { return ProtocolH2 }

func (c *h2Conn) MaxConcurrentStreams() uint32 {
	// http2.ClientConn negotiates this via SETTINGS; CanTakeNewRequest
	// is the authoritative admission check, this is an informational
	// upper bound used for pool tie-breaking (spec.md §4.2).
	return 250
}

func (c *h2Conn) OpenStream(ctx context.Context) (StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !c.cc.CanTakeNewRequest() {
		// The peer has sent GOAWAY (or the connection has otherwise been
		// told not to accept more work): spec.md §4.3's "Any --GOAWAY/
		// close frame--> Draining" transition applies even though no
		// stream open was attempted yet.
		c.transitionTo(StateDraining, "goaway")
		return 0, errors.New("session: h2 connection cannot accept a new stream (pool invariant violation)")
	}
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return 0, errors.Errorf("session: cannot open stream on h2 connection in state %s", st)
	}
	c.nextID++
	id := c.nextID
	c.state = StateActive
	c.mu.Unlock()

	pr, pw := io.Pipe()
	st := &h2Stream{
		reqBodyWriter: pw,
		respCh:        make(chan h2RespOrErr, 1),
	}
	st.req = &http.Request{Body: io.NopCloser(pr)}
	c.streamsMu.Lock()
	c.streams[id] = st
	c.streamsMu.Unlock()
	c.markStreamOpen(id)
	return id, nil
}

func (c *h2Conn) getStream(stream StreamHandle) (*h2Stream, bool) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	st, ok := c.streams[stream]
	return st, ok
}

func (c *h2Conn) WriteHeaders(ctx context.Context, stream StreamHandle, req *OutgoingRequest) error {
	st, ok := c.getStream(stream)
	if !ok {
		return errors.New("session: unknown h2 stream")
	}
	header := make(http.Header, len(req.Header))
	for k, v := range req.Header {
		header[k] = v
	}
	reqURL, err := url.ParseRequestURI(req.Path)
	if err != nil {
		reqURL = &url.URL{Path: req.Path}
	}
	reqURL.Scheme = "https"
	reqURL.Host = req.Authority

	st.req.Method = req.Method
	st.req.URL = reqURL
	st.req.Host = req.Authority
	st.req.Header = header
	st.req.ContentLength = req.ContentLength
	st.req.Proto = "HTTP/2.0"
	st.req.ProtoMajor = 2

	go func() {
		resp, err := c.cc.RoundTrip(st.req.WithContext(ctx))
		st.respCh <- h2RespOrErr{resp: resp, err: err}
	}()
	c.touch()
	return nil
}

func (c *h2Conn) WriteBody(ctx context.Context, stream StreamHandle, chunk []byte, last bool) error {
	st, ok := c.getStream(stream)
	if !ok {
		return errors.New("session: unknown h2 stream")
	}
	if len(chunk) > 0 {
		if _, err := st.reqBodyWriter.Write(chunk); err != nil {
			return errors.Wrap(err, "session: writing h2 request body")
		}
		c.touch()
	}
	if last {
		return st.reqBodyWriter.Close()
	}
	return nil
}

func (c *h2Conn) ReadHead(ctx context.Context, stream StreamHandle) (ResponseHead, error) {
	st, ok := c.getStream(stream)
	if !ok {
		return ResponseHead{}, errors.New("session: unknown h2 stream")
	}
	select {
	case <-ctx.Done():
		return ResponseHead{}, ctx.Err()
	case result := <-st.respCh:
		if result.err != nil {
			var goAway http2.GoAwayError
			if errors.As(result.err, &goAway) {
				c.transitionTo(StateDraining, "goaway")
				return ResponseHead{}, &GoAwayError{cause: result.err}
			}
			return ResponseHead{}, errors.Wrap(result.err, "session: h2 round trip failed")
		}
		st.resp = result.resp
		c.touch()
		return ResponseHead{
			StatusCode: result.resp.StatusCode,
			Proto:      result.resp.Proto,
			Header:     map[string][]string(result.resp.Header),
		}, nil
	}
}

func (c *h2Conn) ReadBody(ctx context.Context, stream StreamHandle) (Body, error) {
	st, ok := c.getStream(stream)
	if !ok || st.resp == nil {
		return nil, errors.New("session: ReadBody called before ReadHead")
	}
	return &h2Body{rc: st.resp.Body, trailer: st.resp.Trailer, conn: c, stream: stream}, nil
}

func (c *h2Conn) CancelStream(stream StreamHandle) error {
	st, ok := c.getStream(stream)
	if !ok {
		return nil
	}
	st.reqBodyWriter.CloseWithError(errors.New("session: stream canceled"))
	if st.resp != nil {
		st.resp.Body.Close()
	}
	c.releaseStream(stream)
	return nil
}

func (c *h2Conn) Ping(ctx context.Context) error {
	if err := c.cc.Ping(ctx); err != nil {
		return errors.Wrap(err, "session: h2 ping failed")
	}
	return nil
}

func (c *h2Conn) Close() error {
	c.transitionTo(StateClosed, "closed")
	return c.cc.Close()
}

func (c *h2Conn) Drain() {
	c.cc.SetDoNotReuse()
	c.transitionTo(StateDraining, "")
	c.mu.Lock()
	empty := len(c.inFlight) == 0
	c.mu.Unlock()
	if empty {
		c.Close()
	}
}

func (c *h2Conn) releaseStream(stream StreamHandle) {
	c.streamsMu.Lock()
	delete(c.streams, stream)
	c.streamsMu.Unlock()
	c.markStreamClosed(stream)
	c.mu.Lock()
	if len(c.inFlight) == 0 && c.state == StateActive {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

type h2Body struct {
	rc      io.ReadCloser
	trailer http.Header
	conn    *h2Conn
	stream  StreamHandle
	done    bool
}

func (b *h2Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF && !b.done {
		b.done = true
		b.conn.releaseStream(b.stream)
	}
	return n, err
}

func (b *h2Body) Close() error {
	if !b.done {
		b.done = true
		b.conn.releaseStream(b.stream)
	}
	return b.rc.Close()
}

func (b *h2Body) Trailer() map[string][]string {
	return map[string][]string(b.trailer)
}
