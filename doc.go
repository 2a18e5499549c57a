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

// Package httplb provides http.Client instances that are suitable
// for use for server-to-server communications, like RPC. This adds features
// on top of the standard net/http library for name/address resolution,
// health checking, connection pooling across HTTP/1.1, HTTP/2, and HTTP/3,
// and a retry/redirect policy engine that can be reconfigured per client.
//
// To create a new client use the [NewClient] function. This function
// accepts numerous options, many for configuring the behavior of the
// underlying connection pool. It also provides options for using a custom
// [name resolver] or a custom [connection picker] and for enabling active
// [health checking].
//
// The returned client also has a notion of "closing", via the [Close]
// function. This step will wait for outstanding requests to complete and
// then close all connections and also teardown any other goroutines that
// it may have started to perform name resolution, health checking, and
// keepalive pinging. The client cannot be used after it has been closed.
//
// # Default Behavior
//
// Without any options, the returned client behaves differently than
// http.DefaultClient in the following key ways:
//
//  1. The client will re-resolve addresses in DNS every 30 seconds.
//     The http.DefaultClient does not re-resolve predictably.
//
//  2. The client will route requests across the addresses returned by
//     the DNS system using a power-of-two-choices picker, even with
//     HTTP/2 or HTTP/3, where a single connection can otherwise soak up
//     all traffic to a multi-address name.
//
//  3. Failed requests are retried automatically, per a per-cause budget
//     (connect errors, read errors, retryable status codes), honoring
//     Retry-After and skipping non-idempotent methods by default. See
//     [WithRetryPolicy].
//
//  4. Redirects are followed with RFC-correct method/body handling
//     (301/302/303 downgrade to GET; 307/308 preserve the original
//     request) and strip credential-bearing headers on a cross-origin
//     hop. See [WithRedirectPolicy] and [WithRedirects].
//
// # Connection Architecture
//
// The transport installed on the http.Client returned by NewClient is a
// dispatcher that drives one Origin's connection pool per distinct
// (scheme, host, port, TLS profile, proxy) tuple:
//
//  1. For each request, the dispatcher computes its Origin and asks the
//     pool manager for a connection to it, dialing a fresh one (via the
//     configured resolver, picker, and, for https/wss, a TLS handshake)
//     if none is idle or has spare stream capacity.
//  2. HTTP/1.1 connections serve one request at a time and are recycled
//     onto an idle list on release; HTTP/2 and HTTP/3 connections are
//     multiplexed and stay reachable for new requests until their
//     stream concurrency limit is hit.
//  3. Idle multiplexed connections are periodically pinged to detect a
//     dead peer before it's handed out for a new request; see
//     [WithKeepalivePolicy].
//  4. A WebSocket upgrade (ws/wss/ws+rfc8441/wss+rfc8441) hands the
//     caller a duplex byte-stream handler via [ExtensionFor] instead of
//     an ordinary response body, and the underlying connection is
//     retired from the pool for the life of that handler.
//
// [name resolver]: https://pkg.go.dev/github.com/wireloop/httpconn/resolver#Resolver
// [connection picker]: https://pkg.go.dev/github.com/wireloop/httpconn/picker#Picker
// [health checking]: https://pkg.go.dev/github.com/wireloop/httpconn/health#Checker
package httplb
