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
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloop/httpconn/origin"
)

func TestAlpnOffersDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"h2", "http/1.1"}, alpnOffers(origin.TLSProfile{}))
}

func TestAlpnOffersCustomList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"h2"}, alpnOffers(origin.TLSProfile{ALPNOffers: "h2"}))
	assert.Equal(t, []string{"http/1.1", "h2"}, alpnOffers(origin.TLSProfile{ALPNOffers: "http/1.1,h2"}))
}

func TestHandshakeTLSSucceedsWithTrustedRoot(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())

	serverAddr := server.Listener.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", serverAddr)
	require.NoError(t, err)
	defer nc.Close()

	host, _, err := net.SplitHostPort(serverAddr)
	require.NoError(t, err)

	uconn, err := HandshakeTLS(ctx, nc, origin.TLSProfile{ServerName: host}, roots)
	require.NoError(t, err)
	defer uconn.Close()

	assert.Equal(t, ProtocolH1, NegotiatedProtocol(uconn), "httptest.NewTLSServer offers http/1.1 by default")
}

func TestHandshakeTLSFailsWithUntrustedRoot(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	serverAddr := server.Listener.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", serverAddr)
	require.NoError(t, err)
	defer nc.Close()

	host, _, err := net.SplitHostPort(serverAddr)
	require.NoError(t, err)

	_, err = HandshakeTLS(ctx, nc, origin.TLSProfile{ServerName: host}, x509.NewCertPool())
	assert.Error(t, err, "an empty trust root pool must reject the server's self-signed certificate")
}
