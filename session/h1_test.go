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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/origin"
)

func TestH1ConnRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		resp := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
		_, _ = io.WriteString(server, resp)
	}()

	conn := NewH1Conn(origin.Origin{Host: "example.com"}, client, internal.NewRealClock())
	require.Equal(t, ProtocolH1, conn.Protocol())
	require.Equal(t, StateIdle, conn.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	require.NoError(t, err)

	err = conn.WriteHeaders(ctx, stream, &OutgoingRequest{
		Method:        http.MethodGet,
		Path:          "/",
		Authority:     "example.com",
		Header:        map[string][]string{},
		ContentLength: 0,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteBody(ctx, stream, nil, true))

	head, err := conn.ReadHead(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 200, head.StatusCode)

	body, err := conn.ReadBody(ctx, stream)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, body.Close())

	<-serverDone
	assert.Equal(t, StateIdle, conn.State(), "an H1 connection returns to Idle once its one stream completes")
}

func TestH1ConnRejectsSecondConcurrentStream(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	conn := NewH1Conn(origin.Origin{}, client, internal.NewRealClock())
	ctx := context.Background()

	_, err := conn.OpenStream(ctx)
	require.NoError(t, err)

	_, err = conn.OpenStream(ctx)
	assert.Error(t, err, "an H1 connection must reject a second concurrent stream")
}

func TestH1ConnMaxConcurrentStreamsIsOne(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	conn := NewH1Conn(origin.Origin{}, client, internal.NewRealClock())
	assert.Equal(t, uint32(1), conn.MaxConcurrentStreams())
}

func TestH1ConnDrainIdleClosesImmediately(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })

	conn := NewH1Conn(origin.Origin{}, client, internal.NewRealClock())
	conn.Drain()
	assert.Equal(t, StateClosed, conn.State())
}

func TestH1ConnExpect100ContinueThenBody(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	bodyReceived := make(chan string, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		_, _ = io.WriteString(server, "HTTP/1.1 100 Continue\r\n\r\n")
		body, _ := io.ReadAll(req.Body)
		bodyReceived <- string(body)
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	conn := NewH1Conn(origin.Origin{Host: "example.com"}, client, internal.NewRealClock())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.WriteHeaders(ctx, stream, &OutgoingRequest{
		Method:        http.MethodPost,
		Path:          "/",
		Authority:     "example.com",
		Header:        map[string][]string{"Expect": {"100-continue"}},
		ContentLength: 4,
		Expect100:     true,
	}))
	require.NoError(t, conn.WriteBody(ctx, stream, []byte("body"), true))

	select {
	case got := <-bodyReceived:
		assert.Equal(t, "body", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the request body")
	}

	head, err := conn.ReadHead(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 200, head.StatusCode)

	body, err := conn.ReadBody(ctx, stream)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	require.NoError(t, body.Close())

	<-serverDone
}

func TestH1ConnExpect100TimesOutAndSendsBodyAnyway(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	bodyReceived := make(chan string, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		// Never sends "100 Continue" — the client must give up waiting
		// and send the body anyway.
		body, _ := io.ReadAll(req.Body)
		bodyReceived <- string(body)
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	conn := NewH1Conn(origin.Origin{Host: "example.com"}, client, internal.NewRealClock())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, conn.WriteHeaders(ctx, stream, &OutgoingRequest{
		Method:        http.MethodPost,
		Path:          "/",
		Authority:     "example.com",
		Header:        map[string][]string{"Expect": {"100-continue"}},
		ContentLength: 4,
		Expect100:     true,
	}))
	assert.GreaterOrEqual(t, time.Since(start), expect100Timeout, "WriteHeaders must wait out the full continue timeout")

	require.NoError(t, conn.WriteBody(ctx, stream, []byte("body"), true))

	select {
	case got := <-bodyReceived:
		assert.Equal(t, "body", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the request body")
	}

	head, err := conn.ReadHead(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 200, head.StatusCode)

	<-serverDone
}

func TestH1ConnCancelStreamClosesConnection(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })

	conn := NewH1Conn(origin.Origin{}, client, internal.NewRealClock())
	stream, err := conn.OpenStream(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.CancelStream(stream))
	assert.Equal(t, StateClosed, conn.State())
}
