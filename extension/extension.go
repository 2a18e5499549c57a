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

// Package extension implements the extension hook (spec.md §4, component
// C9): the handoff point where a successful protocol upgrade — WebSocket
// or RFC 8441 WebSocket-over-H2 — removes a stream from the request/
// response model and gives the caller a raw duplex byte channel.
//
// This package never frames WebSocket messages itself: spec.md §1 lists
// "the WebSocket framing/message layer" as an out-of-scope external
// collaborator. Handler only moves opaque payload chunks.
package extension

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Handler is what a caller receives after a successful upgrade. It is
// intentionally payload-agnostic: NextPayload/SendPayload move raw
// bytes, and the caller (or a framing library layered on top) is
// responsible for interpreting them as WebSocket frames.
type Handler interface {
	// NextPayload blocks until the next chunk of upgraded-connection
	// data arrives, ctx is canceled, or the connection closes.
	NextPayload(ctx context.Context) ([]byte, error)
	// SendPayload writes a raw chunk to the upgraded connection.
	SendPayload(ctx context.Context, data []byte) error
	// Ping is the keepalive hook of the upgraded session. The handler
	// NewRawHandler builds sends nothing and only reports ctx's error;
	// a framing layer sends its own ping frames through SendPayload.
	Ping(ctx context.Context) error
	// Close ends the upgraded session and hands the underlying
	// session.Conn back to the pool; an H1 connection is closed rather
	// than reused.
	Close() error
}

// UpgradeResult is what the dispatcher (C8) hands back to the caller in
// place of a normal *http.Response body once an upgrade succeeds.
type UpgradeResult struct {
	StatusCode int
	Handler    Handler
}

var errUpgradeRejected = errors.New("extension: server did not accept the protocol upgrade")

// ErrUpgradeRejected is returned by dispatch when a 101 or RFC 8441
// :status 200 CONNECT-style handshake was requested but the server's
// response does not match the expected upgrade shape.
func ErrUpgradeRejected() error { return errUpgradeRejected }

// rawHandler is the concrete Handler backing an upgrade: after the 101
// response (or the RFC 8441 200 response on an H2 stream), the stream is
// a raw duplex pipe.
type rawHandler struct {
	rwc    io.ReadWriteCloser
	closer func() error
	buf    []byte
}

// NewRawHandler builds a Handler over a raw duplex connection, used both
// for classic HTTP/1.1 WebSocket upgrades (spec.md §4, "ws"/"wss"
// schemes) and for RFC 8441 streams over HTTP/2.
// release is called once, from Close, to return or discard the
// underlying session.Conn.
func NewRawHandler(rwc io.ReadWriteCloser, release func() error) Handler {
	return &rawHandler{rwc: rwc, closer: release, buf: make([]byte, 32*1024)}
}

func (h *rawHandler) NextPayload(ctx context.Context) ([]byte, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := h.rwc.Read(h.buf)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, errors.Wrap(r.err, "extension: reading upgraded payload")
		}
		out := make([]byte, r.n)
		copy(out, h.buf[:r.n])
		return out, nil
	}
}

func (h *rawHandler) SendPayload(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := h.rwc.Write(data); err != nil {
		return errors.Wrap(err, "extension: writing upgraded payload")
	}
	return nil
}

func (h *rawHandler) Ping(ctx context.Context) error {
	// A raw H1 upgrade has no protocol-level ping; this is the
	// caller's cue to send its own application-level ping frame via
	// SendPayload once a framing layer is attached.
	return ctx.Err()
}

func (h *rawHandler) Close() error {
	err := h.rwc.Close()
	if h.closer != nil {
		if releaseErr := h.closer(); err == nil {
			err = releaseErr
		}
	}
	return err
}
