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

// This file implements the request dispatcher (spec.md §4.7, component
// C8): the top-level http.RoundTripper that resolves a request to an
// Origin, acquires a Connection from the pool manager, drives one
// request/response exchange over it, and consults the retry and
// redirect controllers to decide whether to hand the caller a response
// or try again. It replaces the teacher's mainTransport, which chose
// among several protocol-specific http.RoundTripper implementations
// keyed by scheme; this dispatcher instead drives session.Conn directly,
// since a single connection may now serve several in-flight requests at
// once (H2/H3 multiplexing).

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wireloop/httpconn/extension"
	"github.com/wireloop/httpconn/origin"
	"github.com/wireloop/httpconn/pool"
	"github.com/wireloop/httpconn/redirect"
	"github.com/wireloop/httpconn/retry"
	"github.com/wireloop/httpconn/session"
)

// dispatcher is the *http.Client-facing RoundTripper. It owns the pool
// manager plus the retry/redirect policy inputs; NewClient builds one
// per client and installs it as http.Client.Transport.
type dispatcher struct {
	manager        *pool.Manager
	tlsProfile     func(host string) origin.TLSProfile
	proxyFunc      func(*http.Request) (*url.URL, error)
	retryPolicy    retry.Policy
	redirectPolicy redirect.Policy
	redirectFunc   RedirectFunc
	defaultTimeout time.Duration
	requestTimeout time.Duration
	leakCallback   func(*http.Request, *http.Response)
	warmTargets    []origin.Origin
}

func (t *dispatcher) close() error {
	return t.manager.Close()
}

func (t *dispatcher) prewarm(ctx context.Context) error {
	return t.manager.Prewarm(ctx, t.warmTargets)
}

// RoundTrip implements http.RoundTripper. It owns the full retry and
// redirect loop itself, per spec.md §4.7's "resolve → acquire → write →
// read → release → maybe-retry" data flow; NewClient sets
// http.Client.CheckRedirect to refuse to also chase redirects, since
// they are already handled here.
func (t *dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := t.boundedContext(req)
	if cancel != nil {
		defer func() {
			if cancel != nil {
				cancel()
			}
		}()
	}

	current := req.Clone(ctx)
	via := []*http.Request{req}
	policy := t.retryPolicy
	attempt := 0

	for {
		attempt++
		resp, outcome, statusCode, err := t.attempt(ctx, current)

		if outcome == retry.OutcomeRedirect {
			next, rerr := t.followRedirect(current, resp, via)
			drain(resp)
			if rerr != nil {
				return nil, rerr
			}
			if next == nil {
				// The user's RedirectFunc vetoed the hop: hand back the
				// redirect response itself, unfollowed.
				resp.Body = http.NoBody
				resp.Request = current
				return resp, nil
			}
			decision := retry.Decide(policy, outcome, current.Method, statusCode, attempt, 0)
			if decision.Action == retry.ActionTooManyRedirects {
				return nil, TooManyRedirects(t.originString(current), attempt, err)
			}
			policy = decision.Policy
			via = append(via, next)
			current = next
			continue
		}

		if err == nil {
			if t.retryPolicy.StatusForcelist[statusCode] {
				retryAfter := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
				decision := retry.Decide(policy, retry.OutcomeStatusForcelisted, current.Method, statusCode, attempt, retryAfter)
				if decision.Action == retry.ActionRetry {
					drain(resp)
					if werr := t.sleep(ctx, decision.Backoff); werr != nil {
						return nil, werr
					}
					policy = decision.Policy
					continue
				}
				if t.retryPolicy.RaiseOnStatus {
					status := resp.Status
					drain(resp)
					return nil, &MaxRetryError{
						Origin:  t.originString(current),
						Reason:  "status_forcelisted",
						Last:    fmt.Errorf("status %s", status),
						Attempt: attempt,
					}
				}
			}
			resp.Request = current
			if body, ok := resp.Body.(*releasingBody); ok && cancel != nil {
				// The timeout keeps running until the body is consumed.
				releaseConn, stop := body.release, cancel
				body.release = func() { releaseConn(); stop() }
				cancel = nil
			}
			return resp, nil
		}

		decision := retry.Decide(policy, outcome, current.Method, statusCode, attempt, 0)
		if decision.Action != retry.ActionRetry {
			return nil, err
		}
		if werr := t.sleep(ctx, decision.Backoff); werr != nil {
			return nil, werr
		}
		policy = decision.Policy
	}
}

func (t *dispatcher) boundedContext(req *http.Request) (context.Context, context.CancelFunc) {
	if t.requestTimeout > 0 {
		return context.WithTimeout(req.Context(), t.requestTimeout)
	}
	if t.defaultTimeout > 0 {
		if _, ok := req.Context().Deadline(); !ok {
			return context.WithTimeout(req.Context(), t.defaultTimeout)
		}
	}
	return req.Context(), nil
}

func (t *dispatcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *dispatcher) followRedirect(current *http.Request, resp *http.Response, via []*http.Request) (*http.Request, error) {
	location := resp.Header.Get("Location")
	next, err := redirect.Rewrite(t.redirectPolicy, current, resp.StatusCode, location)
	if err != nil {
		return nil, errors.Wrap(err, "redirect")
	}
	if t.redirectFunc != nil {
		if verr := t.redirectFunc(next, via); verr != nil {
			return nil, nil //nolint:nilerr // veto is signaled by the nil *http.Request, not an error
		}
	}
	return next, nil
}

func (t *dispatcher) originString(req *http.Request) string {
	o, err := t.originFor(req)
	if err != nil {
		return req.URL.Host
	}
	return o.String()
}

// attempt drives exactly one request/response exchange over one
// acquired Connection, per spec.md §4.7. It always releases the
// Connection back to the pool manager before returning, except when it
// hands the caller a live response body — in that case release happens
// when the body is fully read or explicitly closed.
func (t *dispatcher) attempt(ctx context.Context, req *http.Request) (*http.Response, retry.Outcome, int, error) {
	o, err := t.originFor(req)
	if err != nil {
		return nil, retry.OutcomeConnectError, 0, errors.Wrap(err, "dispatch")
	}

	conn, err := t.manager.Acquire(ctx, o)
	if err != nil {
		return nil, retry.OutcomeConnectError, 0, translatePoolError(o, err)
	}

	var released bool
	var releaseMu sync.Mutex
	release := func(outcome pool.Outcome) {
		releaseMu.Lock()
		defer releaseMu.Unlock()
		if released {
			return
		}
		released = true
		t.manager.Release(o, conn, outcome)
	}

	// OpenStream/WriteHeaders failures happen on a Connection the pool
	// already handed us — often a reused, idle-but-actually-dead pooled
	// H1 connection — not a fresh dial, so per spec.md §4.5's "ReadError
	// before any byte of request sent" row these count against Total
	// only, not the separate Connect budget.
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeReadErrorBeforeSend, 0, ConnectError(o.String(), err)
	}

	if err := conn.WriteHeaders(ctx, stream, outgoingRequest(req, o)); err != nil {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeReadErrorBeforeSend, 0, WriteError(o.String(), err)
	}

	if bodyErr := writeRequestBody(ctx, conn, stream, req); bodyErr != nil {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeReadErrorAfterSend, 0, WriteError(o.String(), bodyErr)
	}

	head, err := conn.ReadHead(ctx, stream)
	if err != nil {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		// A peer GOAWAY on this stream is retryable for any method, per
		// spec.md §8, not just the idempotent ones the generic
		// post-send read-error path allows.
		var goAway *session.GoAwayError
		if errors.As(err, &goAway) {
			return nil, retry.OutcomeReadErrorBeforeSend, 0, ReadError(o.String(), err)
		}
		return nil, retry.OutcomeReadErrorAfterSend, 0, ReadError(o.String(), err)
	}

	if o.Scheme.IsWebSocket() {
		return t.completeUpgrade(ctx, conn, stream, head, req, o, release)
	}

	body, err := conn.ReadBody(ctx, stream)
	if err != nil {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeReadErrorAfterSend, head.StatusCode, ReadError(o.String(), err)
	}

	decoded, err := session.DecodeBody(body, firstHeader(head.Header, "Content-Encoding"))
	if err != nil {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeReadErrorAfterSend, head.StatusCode, DecodeError(o.String(), err)
	}

	resp := &http.Response{
		StatusCode: head.StatusCode,
		Status:     fmt.Sprintf("%d %s", head.StatusCode, http.StatusText(head.StatusCode)),
		Proto:      protoName(conn.Protocol()),
		ProtoMajor: protoMajor(conn.Protocol()),
		ProtoMinor: 0,
		Header:     http.Header(head.Header),
		Body: &releasingBody{
			rc: decoded,
			release: func() {
				release(pool.OutcomeOK)
			},
		},
	}
	t.armLeakDetector(req, resp)

	outcome := retry.OutcomeSuccess
	if redirect.IsRedirectStatus(head.StatusCode) && firstHeader(head.Header, "Location") != "" {
		outcome = retry.OutcomeRedirect
	}
	return resp, outcome, head.StatusCode, nil
}

// completeUpgrade adapts a successful WebSocket handshake (spec.md §4.8,
// component C9) into an extension.Handler and attaches it to the
// response, where ExtensionFor finds it. Release only occurs when the
// caller closes the returned Handler: an H1 connection is then closed
// rather than reused, while a multiplexed connection goes back to the
// pool with just the upgraded stream ended.
func (t *dispatcher) completeUpgrade(
	ctx context.Context,
	conn session.Conn,
	stream session.StreamHandle,
	head session.ResponseHead,
	req *http.Request,
	o origin.Origin,
	release func(pool.Outcome),
) (*http.Response, retry.Outcome, int, error) {
	accepted := head.StatusCode == http.StatusSwitchingProtocols ||
		(o.Scheme.WantsRFC8441() && head.StatusCode == http.StatusOK)
	if !accepted {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeSuccess, head.StatusCode, extension.ErrUpgradeRejected()
	}

	body, err := conn.ReadBody(ctx, stream)
	if err != nil {
		conn.CancelStream(stream) //nolint:errcheck
		release(pool.OutcomeBroken)
		return nil, retry.OutcomeReadErrorAfterSend, head.StatusCode, ReadError(o.String(), err)
	}

	resp := &http.Response{
		StatusCode: head.StatusCode,
		Status:     fmt.Sprintf("%d %s", head.StatusCode, http.StatusText(head.StatusCode)),
		Proto:      protoName(conn.Protocol()),
		Header:     http.Header(head.Header),
		Body:       io.NopCloser(nil),
	}

	duplex := &streamDuplex{ctx: ctx, conn: conn, stream: stream, body: body}
	handler := extension.NewRawHandler(duplex, func() error {
		outcome := pool.OutcomeOK
		if conn.Protocol() == session.ProtocolH1 {
			outcome = pool.OutcomeBroken
		}
		release(outcome)
		extensionRegistry.Delete(resp)
		return nil
	})
	setExtension(resp, extension.UpgradeResult{StatusCode: head.StatusCode, Handler: handler})
	return resp, retry.OutcomeSuccess, head.StatusCode, nil
}

// streamDuplex adapts one open Stream's write/read halves to
// io.ReadWriteCloser, the shape extension.NewRawHandler needs.
type streamDuplex struct {
	//nolint:containedctx
	ctx    context.Context
	conn   session.Conn
	stream session.StreamHandle
	body   session.Body
}

func (d *streamDuplex) Read(p []byte) (int, error) {
	return d.body.Read(p)
}

func (d *streamDuplex) Write(p []byte) (int, error) {
	if err := d.conn.WriteBody(d.ctx, d.stream, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *streamDuplex) Close() error {
	_ = d.conn.WriteBody(d.ctx, d.stream, nil, true)
	return d.body.Close()
}

// writeRequestBody streams req.Body to conn in fixed-size chunks,
// closing the request body's write side when done. A nil or already-
// exhausted body just sends the empty final chunk.
func writeRequestBody(ctx context.Context, conn session.Conn, stream session.StreamHandle, req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return conn.WriteBody(ctx, stream, nil, true)
	}
	defer req.Body.Close() //nolint:errcheck

	buf := make([]byte, 32*1024)
	for {
		n, err := req.Body.Read(buf)
		if n > 0 {
			if werr := conn.WriteBody(ctx, stream, buf[:n], false); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return conn.WriteBody(ctx, stream, nil, true)
		}
		if err != nil {
			return err
		}
	}
}

// releasingBody wraps a response body so that the pooled Connection is
// released back to the manager exactly once, whether the caller reads
// it to EOF or closes it early.
type releasingBody struct {
	rc      io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.once.Do(b.release)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	b.once.Do(b.release)
	return b.rc.Close()
}

// armLeakDetector schedules cb to run if resp is garbage collected
// without ever having its body closed — WithDebugResourceLeaks's whole
// purpose (see client.go).
func (t *dispatcher) armLeakDetector(req *http.Request, resp *http.Response) {
	if t.leakCallback == nil {
		return
	}
	body, ok := resp.Body.(*releasingBody)
	if !ok {
		return
	}
	runtime.SetFinalizer(body, func(b *releasingBody) {
		b.once.Do(func() {
			t.leakCallback(req, resp)
			b.release()
		})
	})
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func firstHeader(h map[string][]string, name string) string {
	if h == nil {
		return ""
	}
	values := http.Header(h).Values(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func outgoingRequest(req *http.Request, o origin.Origin) *session.OutgoingRequest {
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	return &session.OutgoingRequest{
		Method:        req.Method,
		Path:          req.URL.RequestURI(),
		Authority:     authority,
		Header:        map[string][]string(req.Header),
		ContentLength: req.ContentLength,
		Expect100:     req.Header.Get("Expect") == "100-continue",
	}
}

func protoName(p session.Protocol) string {
	switch p {
	case session.ProtocolH2:
		return "HTTP/2.0"
	case session.ProtocolH3:
		return "HTTP/3.0"
	default:
		return "HTTP/1.1"
	}
}

func protoMajor(p session.Protocol) int {
	switch p {
	case session.ProtocolH2:
		return 2
	case session.ProtocolH3:
		return 3
	default:
		return 1
	}
}

// originFor computes the pool bucket key for req, per spec.md §3: scheme,
// lowercased host, normalized port, TLS profile, and (if configured) the
// proxy this request must be routed through.
func (t *dispatcher) originFor(req *http.Request) (origin.Origin, error) {
	profile := origin.TLSProfile{}
	if t.tlsProfile != nil {
		profile = t.tlsProfile(req.URL.Hostname())
	}
	var proxy string
	if t.proxyFunc != nil {
		proxyURL, err := t.proxyFunc(req)
		if err != nil {
			return origin.Origin{}, errors.Wrap(err, "resolving proxy")
		}
		if proxyURL != nil {
			proxy = proxyURL.String()
		}
	}
	return origin.FromURL(req.URL, profile, proxy)
}

// extensionRegistry associates a *http.Response with the extension.
// UpgradeResult produced by a successful protocol upgrade (spec.md §6's
// nullable "extension" field on the response surface). net/http gives
// no way to attach caller data to a Response directly.
var extensionRegistry sync.Map // map[*http.Response]extension.UpgradeResult

func setExtension(resp *http.Response, u extension.UpgradeResult) {
	extensionRegistry.Store(resp, u)
}

// ExtensionFor returns the protocol-upgrade handler attached to resp, if
// the request that produced it completed a WebSocket handshake.
func ExtensionFor(resp *http.Response) (extension.UpgradeResult, bool) {
	v, ok := extensionRegistry.Load(resp)
	if !ok {
		return extension.UpgradeResult{}, false
	}
	u, _ := v.(extension.UpgradeResult) //nolint:forcetypeassert
	return u, true
}

func translatePoolError(o origin.Origin, err error) error {
	switch {
	case errors.Is(err, pool.ErrPoolFull):
		return PoolFullError(o.String())
	case errors.Is(err, pool.ErrPoolClosed):
		return PoolClosedError(o.String())
	case errors.Is(err, pool.ErrAcquireTimeout):
		return TimeoutError(o.String(), "acquire", err)
	default:
		return ConnectError(o.String(), err)
	}
}
