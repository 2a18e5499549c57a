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

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/wireloop/httpconn/health"
	"github.com/wireloop/httpconn/internal"
	"github.com/wireloop/httpconn/keepalive"
	"github.com/wireloop/httpconn/origin"
	"github.com/wireloop/httpconn/picker"
	"github.com/wireloop/httpconn/pool"
	"github.com/wireloop/httpconn/redirect"
	"github.com/wireloop/httpconn/resolver"
	"github.com/wireloop/httpconn/retry"
	"github.com/wireloop/httpconn/session"
)

// ClientOption is an option used to customize the behavior of an HTTP client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context used for any background
// goroutines that an HTTP client may create. If not specified,
// [context.Background] is used.
//
// If the given context is cancelled (or times out), many functions of the
// HTTP client may fail to operate correctly. It should only be cancelled
// after the HTTP client is no longer in use, and may be used to eagerly
// free any associated resources.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithProxy configures how the HTTP client interacts with HTTP proxies for
// reaching remote hosts.
//
// The given proxyFunc returns the URL of a proxy server to use for the
// given HTTP request. If no proxy should be used, it should return nil, nil.
// If an error is returned, the request fails immediately with that error.
// If a nil proxyFunc is provided, no proxy will ever be used. This can be
// useful to disable proxies. If this function is set to nil or no
// WithProxy option is provided, [http.ProxyFromEnvironment] will be used
// as the proxyFunc. (Also see WithNoProxy.)
func WithProxy(proxyFunc func(*http.Request) (*url.URL, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.proxyFunc = proxyFunc
	})
}

// WithNoProxy returns an option that disables use of HTTP proxies.
func WithNoProxy() ClientOption {
	return WithProxy(func(*http.Request) (*url.URL, error) { return nil, nil })
}

// WithRedirects configures how the HTTP client handles redirect responses.
// If no such option is provided, redirects are followed automatically, up
// to the retry policy's Redirect budget (retry.DefaultPolicy().Redirect
// unless WithRetryPolicy sets another).
func WithRedirects(redirectFunc RedirectFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.redirectFunc = redirectFunc
	})
}

// RedirectFunc is a function that advises an HTTP client on whether to
// follow a redirect. The given req is the redirected request, based on
// the server's previous status code and "Location" header, and the given
// via is the set of requests already issued, each resulting in a redirect.
// The via slice is sorted oldest first, so the first element is always
// the original request and the last element is the latest redirect.
//
// See FollowRedirects.
type RedirectFunc func(req *http.Request, via []*http.Request) error

// FollowRedirects is a helper to create a RedirectFunc that will follow
// up to the given number of redirects. If a request sequence results in more
// redirects than the given limit, the client stops following and returns
// the last redirect response as is, without an error.
func FollowRedirects(limit int) RedirectFunc {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return fmt.Errorf("too many redirects (> %d)", limit)
		}
		return nil
	}
}

// WithRedirectPolicy overrides the default redirect controller policy
// that redirect.Rewrite applies on each hop, such as which headers get
// stripped when a redirect crosses to a different origin. The number of
// redirects followed is bounded by the retry policy's Redirect budget
// (see WithRetryPolicy); the policy's Max field does not limit it.
func WithRedirectPolicy(policy redirect.Policy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.redirectPolicy = policy
	})
}

// WithRetryPolicy overrides the default retry controller policy: per-cause
// attempt budgets, the status-code forcelist, and backoff parameters.
func WithRetryPolicy(policy retry.Policy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryPolicy = policy
	})
}

// WithKeepalivePolicy overrides how often idle multiplexed (H2/H3)
// connections are pinged to detect a dead peer before it is handed out
// for a new request.
func WithKeepalivePolicy(policy keepalive.Policy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.keepalivePolicy = policy
	})
}

// WithResolver overrides the default DNS-based name resolver. Useful for
// tests (a static resolver) or for routing through service discovery.
func WithResolver(res resolver.Resolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = res
	})
}

// WithAddressSubsetting wraps the configured resolver in
// resolver.RendezvousHashSubsetter, so that of all the addresses an
// origin resolves to, only a consistent subset of numBackends is ever
// dialed by this client. selectionKey identifies this client instance
// for the rendezvous computation; if empty, a random key is generated
// (every process picks its own subset, which spreads load across a
// fleet of clients without coordination). Applied after every other
// resolver option, so it always wraps the final resolver chain.
func WithAddressSubsetting(numBackends int, selectionKey string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.subsetConfig = &resolver.RendezvousConfig{
			NumBackends:  numBackends,
			SelectionKey: selectionKey,
		}
	})
}

// WithPickerFactory overrides the default connection-selection strategy
// used when balancing across an origin's resolved addresses. See the
// picker package for the built-in factories.
func WithPickerFactory(factory picker.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.pickerFactory = factory
	})
}

// WithHealthChecker overrides the default no-op address health checker.
// See health.NewPollingChecker for an active-probing implementation.
func WithHealthChecker(checker health.Checker) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.healthChecker = checker
	})
}

// WithHTTP3RoundTripper installs a factory for QUIC-backed connections.
// When set, the client attempts H3 first for every origin except the
// ws+rfc8441/wss+rfc8441 ones (which always go over HTTP/2), falling back
// to TCP (H1/H2) if the factory returns an error.
// This package carries no QUIC implementation itself; pass an adapter
// backed by a real HTTP/3 client (e.g. quic-go/quic-go's http3.RoundTripper).
func WithHTTP3RoundTripper(factory func(ctx context.Context, o origin.Origin) (session.H3RoundTripper, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.h3Factory = factory
	})
}

// WithDefaultTimeout limits requests that otherwise have no timeout to
// the given timeout. Unlike WithRequestTimeout, if the request's context
// already has a deadline, then no timeout is applied. Otherwise, the
// given timeout is used and applies to the entire duration of the request,
// from sending the first request byte to receiving the last response byte.
func WithDefaultTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = duration
		opts.requestTimeout = 0
	})
}

// WithRequestTimeout limits all requests to the given timeout. This time
// is the entire duration of the request, including sending the request,
// writing the request body, waiting for a response, and consuming the
// response body.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = 0
		opts.requestTimeout = duration
	})
}

// WithDialer configures the HTTP client to use the given [net.Dialer] to
// establish network connections. If no WithDialer option is provided, a
// default [net.Dialer] is used that uses a 30-second dial timeout and
// configures the connection to use TCP keep-alive every 30 seconds.
func WithDialer(dialer *net.Dialer) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.netDialer = dialer
	})
}

// WithTLSConfig adds custom TLS trust roots to the HTTP client, used when
// verifying server certificates for https/wss origins. If nil or no
// WithTLSConfig option is used, the host's default trust store is used.
func WithTLSConfig(config *tls.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		if config != nil {
			opts.tlsRoots = config.RootCAs
		}
	})
}

// WithMaxConnsPerOrigin bounds how many connections (H1 and multiplexed
// combined) a single Origin's pool may hold open at once. If zero or no
// WithMaxConnsPerOrigin option is used, a default of 32 is applied.
func WithMaxConnsPerOrigin(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnsPerOrigin = limit
	})
}

// WithMaxIdleH1PerOrigin bounds how many idle HTTP/1.1 connections an
// Origin's pool retains rather than closing immediately on release.
func WithMaxIdleH1PerOrigin(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxIdleH1PerOrigin = limit
	})
}

// WithIdleTransportTimeout bounds how many Origins with zero open
// connections are retained (for fast reuse) before the least-recently-idle
// ones are evicted. This differs from an idle *connection* timeout: it
// manages how large the set of known Origins is allowed to grow, not how
// long any one connection stays open.
//
// If zero or no WithIdleTransportTimeout option is used, a default of 64
// idle origins is retained.
//
// Origins given to WithKeepWarmTargets get no exemption: once their pool
// has no open connections, it is evicted like any other.
func WithIdleTransportTimeout(maxIdleOrigins int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxIdlePools = maxIdleOrigins
	})
}

// WithKeepWarmTargets registers targets that are eagerly dialed when the
// client is Prewarm'd. It does not keep them open afterwards: their idle
// connections and pools are closed and evicted like any other origin's.
//
// Each target must be a full URL ("scheme://host[:port]"); if the scheme
// is omitted, "http" is assumed.
func WithKeepWarmTargets(targets ...string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.warmTargets = append(opts.warmTargets, targets...)
	})
}

// WithDebugResourceLeaks installs a callback invoked when a response body
// this client produced is garbage-collected without ever being closed or
// fully read — a sign the caller is leaking pooled connections. Intended
// for tests and local debugging; the callback runs on the garbage
// collector's finalizer goroutine, so it must not block or panic.
func WithDebugResourceLeaks(callback func(*http.Request, *http.Response)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.leakCallback = callback
	})
}

// NewClient returns a new HTTP client that uses the given options.
func NewClient(options ...ClientOption) *http.Client {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()

	clock := internal.NewRealClock()
	conn := newConnector(&session.Dialer{NetDialer: opts.netDialer}, opts.tlsRoots, opts.h3Factory, clock)

	manager := pool.NewManager(pool.ManagerConfig{
		MaxConnsPerOrigin:  opts.maxConnsPerOrigin,
		MaxIdleH1PerOrigin: opts.maxIdleH1PerOrigin,
		MaxIdlePools:       opts.maxIdlePools,
		Resolver:           opts.resolver,
		PickerFactory:      opts.pickerFactory,
		HealthChecker:      opts.healthChecker,
		NewDialer:          conn.newOriginDialer,
		ProbeDial:          conn.probeDial,
		Keepalive:          opts.keepalivePolicy,
		Clock:              clock,
	})

	warm := make([]origin.Origin, 0, len(opts.warmTargets))
	for _, target := range opts.warmTargets {
		if o, err := parseWarmTarget(target); err == nil {
			warm = append(warm, o)
		}
	}

	t := &dispatcher{
		manager:        manager,
		proxyFunc:      opts.proxyFunc,
		retryPolicy:    opts.retryPolicy,
		redirectPolicy: opts.redirectPolicy,
		redirectFunc:   opts.redirectFunc,
		defaultTimeout: opts.defaultTimeout,
		requestTimeout: opts.requestTimeout,
		leakCallback:   opts.leakCallback,
		warmTargets:    warm,
	}

	return &http.Client{
		Transport: t,
		// The dispatcher already implements the full redirect chase
		// (including method downgrade and cross-origin header
		// scrubbing); telling net/http to stop after the first hop
		// keeps it from also trying to follow redirects on top of that.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func parseWarmTarget(target string) (origin.Origin, error) {
	u, err := url.Parse(target)
	if err != nil {
		return origin.Origin{}, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	return origin.FromURL(u, origin.TLSProfile{}, "")
}

// Close closes the given HTTP client, releasing any resources and stopping
// any associated background goroutines.
//
// If the given client was not created using NewClient, this will return an
// error.
func Close(client *http.Client) error {
	transport, ok := client.Transport.(*dispatcher)
	if !ok {
		return errors.New("client not created by this package")
	}
	return transport.close()
}

// Prewarm pre-warms the given HTTP client, making sure that any targets
// configured via WithKeepWarmTargets have been warmed up. This ensures that
// relevant addresses are resolved, any health checks performed, connections
// possibly already established, etc.
//
// If the given client was not created using NewClient, this will return an
// error.
//
// The given context should usually have a timeout, so that this step can
// fail if it takes too long. Most warming errors manifest as excessive
// delays vs. outright failure because the background machinery that gets
// connections ready will keep re-trying instead of giving up and failing
// fast.
func Prewarm(ctx context.Context, client *http.Client) error {
	transport, ok := client.Transport.(*dispatcher)
	if !ok {
		return errors.New("client not created by this package")
	}
	return transport.prewarm(ctx)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx         context.Context //nolint:containedctx
	netDialer       *net.Dialer
	proxyFunc       func(*http.Request) (*url.URL, error)
	redirectFunc    RedirectFunc
	redirectPolicy  redirect.Policy
	retryPolicy     retry.Policy
	keepalivePolicy keepalive.Policy
	resolver        resolver.Resolver
	subsetConfig    *resolver.RendezvousConfig
	pickerFactory   picker.Factory
	healthChecker   health.Checker
	h3Factory       func(ctx context.Context, o origin.Origin) (session.H3RoundTripper, error)

	maxConnsPerOrigin  int
	maxIdleH1PerOrigin int
	maxIdlePools       int

	warmTargets  []string
	tlsRoots     *x509.CertPool
	leakCallback func(*http.Request, *http.Response)

	defaultTimeout time.Duration
	requestTimeout time.Duration
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.netDialer == nil {
		opts.netDialer = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	}
	if opts.proxyFunc == nil {
		opts.proxyFunc = http.ProxyFromEnvironment
	}
	if opts.retryPolicy.Total == 0 && opts.retryPolicy.StatusForcelist == nil {
		opts.retryPolicy = retry.DefaultPolicy()
	}
	if opts.redirectPolicy.Max == 0 {
		opts.redirectPolicy = redirect.DefaultPolicy()
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewDNSResolver(net.DefaultResolver, "ip", 30*time.Second, resolver.AllFamilies)
	}
	if opts.subsetConfig != nil {
		if subset, err := resolver.RendezvousHashSubsetter(opts.resolver, *opts.subsetConfig); err == nil {
			opts.resolver = subset
		}
	}
	if opts.pickerFactory == nil {
		opts.pickerFactory = picker.PowerOfTwoFactory
	}
	if opts.healthChecker == nil {
		opts.healthChecker = health.NopChecker
	}
	if opts.maxConnsPerOrigin == 0 {
		opts.maxConnsPerOrigin = 32
	}
	if opts.maxIdlePools == 0 {
		opts.maxIdlePools = 64
	}
}

