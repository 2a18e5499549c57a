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

package pool

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloop/httpconn/attribute"
	"github.com/wireloop/httpconn/conn"
	"github.com/wireloop/httpconn/health"
	"github.com/wireloop/httpconn/picker"
	"github.com/wireloop/httpconn/resolver"
)

func TestAddrBalancerPicksResolvedAddress(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	res := staticResolver{addr: "10.0.0.1:443"}
	b := newAddrBalancer(ctx, res, picker.PowerOfTwoFactory, health.NopChecker, "https", "example.com:443", nil)
	closer := b.start()
	t.Cleanup(func() { _ = closer.Close(); _ = b.Close() })

	require.Eventually(t, func() bool {
		addr, whenDone, err := b.Pick(context.Background())
		if err != nil {
			return false
		}
		if whenDone != nil {
			whenDone()
		}
		return addr.HostPort == "10.0.0.1:443"
	}, time.Second, 10*time.Millisecond)
}

func TestAddrBalancerNoAddressesErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := newAddrBalancer(ctx, emptyResolver{}, picker.PowerOfTwoFactory, health.NopChecker, "https", "example.com:443", nil)

	_, _, err := b.Pick(context.Background())
	assert.Error(t, err, "a freshly built balancer with no resolved addresses yet must fail Pick rather than block forever")
}

func TestAddrConnPrewarmUsesProbeDial(t *testing.T) {
	t.Parallel()

	called := false
	probe := func(ctx context.Context, addr resolver.Address) (conn.Conn, error) {
		called = true
		return &fakeProbeConn{}, nil
	}

	ac := &addrConn{addr: resolver.Address{HostPort: "10.0.0.1:443"}, scheme: "https", probeDial: probe}
	require.NoError(t, ac.Prewarm(context.Background()))
	assert.True(t, called)
}

type emptyResolver struct{}

func (emptyResolver) New(_ context.Context, _, _ string, _ resolver.Receiver, _ <-chan struct{}) io.Closer {
	return closerNoop{}
}

type closerNoop struct{}

func (closerNoop) Close() error { return nil }

type fakeProbeConn struct{}

func (f *fakeProbeConn) RoundTrip(*http.Request, func()) (*http.Response, error) { return nil, nil }
func (f *fakeProbeConn) Scheme() string                                          { return "https" }
func (f *fakeProbeConn) Address() resolver.Address                              { return resolver.Address{} }
func (f *fakeProbeConn) UpdateAttributes(attribute.Values)                       {}
func (f *fakeProbeConn) Prewarm(context.Context) error                          { return nil }
