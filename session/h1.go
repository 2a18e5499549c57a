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
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/origin"
)

// expect100Timeout bounds how long WriteHeaders waits for a "100
// Continue" interim response before telling the caller to send the
// request body anyway (spec.md §4.3, §4.7's "Expect: 100-continue
// wait" suspension point).
const expect100Timeout = 1 * time.Second

// h1Conn implements Conn over a raw net.Conn. WriteHeaders writes the
// request line and headers itself, so the body can follow separately;
// responses are parsed with the standard library's http.ReadResponse —
// spec.md §1 names the byte-level codec as an out-of-scope external
// collaborator, and net/http fills that role on the read side.
//
// spec.md's "H1 connection never has n_streams > 1" invariant is
// enforced here by streamOpen: OpenStream fails while one is in flight.
type h1Conn struct {
	baseState
	nc         net.Conn
	br         *bufio.Reader
	streamOpen bool
	nextID     StreamHandle
	pendingReq *http.Request
	resp       *http.Response
	// earlyHead caches a full response read early, while waiting for a
	// "100 Continue" that never came (the peer sent its final response
	// instead). ReadHead returns it instead of reading the wire again.
	earlyHead *http.Response
}

// NewH1Conn wraps an established net.Conn (already past TLS if
// applicable) as an H1 Conn, in the Idle state.
func NewH1Conn(o origin.Origin, nc net.Conn, clock internal.Clock) Conn {
	c := &h1Conn{
		baseState: newBaseState(o, clock),
		nc:        nc,
		br:        bufio.NewReader(nc),
	}
	c.transitionTo(StateIdle, "")
	return c
}

func (c *h1Conn) Protocol() Protocol { return ProtocolH1 }

func (c *h1Conn) MaxConcurrentStreams() uint32 { return 1 }

func (c *h1Conn) OpenStream(ctx context.Context) (StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.streamOpen {
		c.mu.Unlock()
		return 0, errors.New("session: h1 connection already has a stream in flight")
	}
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return 0, errors.Errorf("session: cannot open stream on h1 connection in state %s", st)
	}
	c.streamOpen = true
	c.nextID++
	id := c.nextID
	c.state = StateActive
	c.mu.Unlock()
	c.markStreamOpen(id)
	return id, nil
}

func (c *h1Conn) WriteHeaders(ctx context.Context, stream StreamHandle, req *OutgoingRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	header := make(http.Header, len(req.Header))
	for k, v := range req.Header {
		header[k] = v
	}
	reqURL, err := url.ParseRequestURI(req.Path)
	if err != nil {
		reqURL = &url.URL{Path: req.Path}
	}
	httpReq := &http.Request{
		Method:        req.Method,
		URL:           reqURL,
		Host:          req.Authority,
		Header:        header,
		ContentLength: req.ContentLength,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
	c.pendingReq = httpReq

	var buf strings.Builder
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.Path)
	buf.WriteString(" HTTP/1.1\r\n")
	buf.WriteString("Host: ")
	buf.WriteString(req.Authority)
	buf.WriteString("\r\n")
	for k, vs := range header {
		for _, v := range vs {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	if req.ContentLength > 0 && header.Get("Content-Length") == "" {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.FormatInt(req.ContentLength, 10))
		buf.WriteString("\r\n")
	}
	if req.ContentLength < 0 {
		buf.WriteString("Transfer-Encoding: chunked\r\n")
	}
	buf.WriteString("\r\n")

	if _, err := io.WriteString(c.nc, buf.String()); err != nil {
		return errors.Wrap(err, "session: writing h1 request headers")
	}
	c.touch()
	if req.Expect100 {
		c.awaitContinue(ctx)
	}
	return nil
}

// awaitContinue implements the "Expect: 100-continue" wait spec.md
// §4.3 and §4.7 describe: give the peer up to expect100Timeout to send
// a 100 status line before the caller streams the request body. If the
// peer instead sends its final response outright (rejecting the
// request without waiting for the body), that response is cached in
// earlyHead so the later ReadHead call returns it without blocking on
// the wire a second time. Either way, WriteHeaders always returns so
// the caller sends the body — on timeout, per spec, unconditionally.
func (c *h1Conn) awaitContinue(ctx context.Context) {
	deadline := time.Now().Add(expect100Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = c.nc.SetReadDeadline(deadline)
	defer c.nc.SetReadDeadline(time.Time{}) //nolint:errcheck

	resp, err := http.ReadResponse(c.br, c.pendingReq)
	if err != nil {
		// Timed out, or the peer closed the connection mid-wait: send
		// the body anyway, per spec.
		return
	}
	if resp.StatusCode == http.StatusContinue {
		return
	}
	c.earlyHead = resp
}

func (c *h1Conn) WriteBody(ctx context.Context, stream StreamHandle, chunk []byte, last bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunk) > 0 {
		if c.pendingReq != nil && c.pendingReq.ContentLength < 0 {
			if _, err := io.WriteString(c.nc, chunkHeader(len(chunk))); err != nil {
				return errors.Wrap(err, "session: writing chunk header")
			}
			if _, err := c.nc.Write(chunk); err != nil {
				return errors.Wrap(err, "session: writing chunk body")
			}
			if _, err := io.WriteString(c.nc, "\r\n"); err != nil {
				return errors.Wrap(err, "session: writing chunk trailer")
			}
		} else if _, err := c.nc.Write(chunk); err != nil {
			return errors.Wrap(err, "session: writing request body")
		}
		c.touch()
	}
	if last && c.pendingReq != nil && c.pendingReq.ContentLength < 0 {
		if _, err := io.WriteString(c.nc, "0\r\n\r\n"); err != nil {
			return errors.Wrap(err, "session: writing final chunk")
		}
	}
	return nil
}

func (c *h1Conn) ReadHead(ctx context.Context, stream StreamHandle) (ResponseHead, error) {
	if err := ctx.Err(); err != nil {
		return ResponseHead{}, err
	}
	resp := c.earlyHead
	c.earlyHead = nil
	if resp == nil {
		var err error
		resp, err = http.ReadResponse(c.br, c.pendingReq)
		if err != nil {
			return ResponseHead{}, errors.Wrap(err, "session: reading h1 response head")
		}
	}
	c.resp = resp
	c.touch()
	return ResponseHead{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     map[string][]string(resp.Header),
	}, nil
}

func (c *h1Conn) ReadBody(ctx context.Context, stream StreamHandle) (Body, error) {
	if c.resp == nil {
		return nil, errors.New("session: ReadBody called before ReadHead")
	}
	return &h1Body{rc: c.resp.Body, trailer: c.resp.Trailer, conn: c, stream: stream}, nil
}

func (c *h1Conn) CancelStream(stream StreamHandle) error {
	// spec.md §4.3: H1 has no clean per-stream cancel, close the conn.
	return c.Close()
}

func (c *h1Conn) Ping(ctx context.Context) error { return nil }

func (c *h1Conn) Close() error {
	c.transitionTo(StateClosed, "closed")
	return c.nc.Close()
}

func (c *h1Conn) Drain() {
	c.mu.Lock()
	idle := c.state == StateIdle
	c.mu.Unlock()
	if idle {
		c.Close()
		return
	}
	c.transitionTo(StateDraining, "")
}

func (c *h1Conn) release(stream StreamHandle) {
	c.mu.Lock()
	c.streamOpen = false
	draining := c.state == StateDraining
	if c.state == StateActive {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.markStreamClosed(stream)
	if draining {
		c.Close()
	}
}

type h1Body struct {
	rc      io.ReadCloser
	trailer http.Header
	conn    *h1Conn
	stream  StreamHandle
	done    bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF && !b.done {
		b.done = true
		b.conn.release(b.stream)
	}
	return n, err
}

func (b *h1Body) Close() error {
	if !b.done {
		b.done = true
		b.conn.release(b.stream)
	}
	return b.rc.Close()
}

func (b *h1Body) Trailer() map[string][]string {
	return map[string][]string(b.trailer)
}

func chunkHeader(n int) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "0\r\n"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hex[n&0xf]
		n >>= 4
	}
	return string(buf[i:]) + "\r\n"
}

