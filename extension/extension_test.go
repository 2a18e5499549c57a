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

package extension

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawHandlerRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	released := false
	handler := NewRawHandler(server, func() error {
		released = true
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	go func() {
		_, _ = client.Write([]byte("hello"))
	}()

	payload, err := handler.NextPayload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()
	require.NoError(t, handler.SendPayload(ctx, []byte("world")))
	assert.Equal(t, "world", string(<-done))

	require.NoError(t, handler.Close())
	assert.True(t, released, "Close must invoke the release callback exactly once")
}

func TestRawHandlerNextPayloadRespectsContext(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	handler := NewRawHandler(server, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handler.NextPayload(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRawHandlerSendPayloadRespectsContext(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	handler := NewRawHandler(server, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := handler.SendPayload(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRawHandlerCloseSurfacesUnderlyingError(t *testing.T) {
	t.Parallel()

	rwc := &closeErrRWC{err: errors.New("boom")}
	handler := NewRawHandler(rwc, func() error { return nil })

	err := handler.Close()
	assert.ErrorIs(t, err, rwc.err)
}

func TestErrUpgradeRejected(t *testing.T) {
	t.Parallel()

	assert.Same(t, ErrUpgradeRejected(), ErrUpgradeRejected())
}

type closeErrRWC struct {
	err error
}

func (c *closeErrRWC) Read([]byte) (int, error)  { return 0, io.EOF }
func (c *closeErrRWC) Write(p []byte) (int, error) { return len(p), nil }
func (c *closeErrRWC) Close() error              { return c.err }
