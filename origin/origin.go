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

// Package origin identifies the canonical pooling key used by the rest of
// this module: the (scheme, host, port, tls-profile) tuple that decides
// which connections may be pooled together.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is one of the URL schemes this module understands.
type Scheme string

const (
	SchemeHTTP        Scheme = "http"
	SchemeHTTPS       Scheme = "https"
	SchemeWS          Scheme = "ws"
	SchemeWSS         Scheme = "wss"
	SchemeWSRFC8441   Scheme = "ws+rfc8441"
	SchemeWSSRFC8441  Scheme = "wss+rfc8441"
)

// IsTLS reports whether this scheme requires a TLS handshake.
func (s Scheme) IsTLS() bool {
	switch s {
	case SchemeHTTPS, SchemeWSS, SchemeWSSRFC8441:
		return true
	default:
		return false
	}
}

// IsWebSocket reports whether this scheme denotes a WebSocket target.
func (s Scheme) IsWebSocket() bool {
	switch s {
	case SchemeWS, SchemeWSS, SchemeWSRFC8441, SchemeWSSRFC8441:
		return true
	default:
		return false
	}
}

// WantsRFC8441 reports whether this scheme requests WebSocket-over-H2
// (RFC 8441) rather than a plain H1 upgrade.
func (s Scheme) WantsRFC8441() bool {
	return s == SchemeWSRFC8441 || s == SchemeWSSRFC8441
}

func defaultPort(s Scheme) string {
	if s.IsTLS() {
		return "443"
	}
	return "80"
}

// TLSProfile captures everything about a TLS configuration that affects
// whether two connections can be pooled together. It must remain a plain
// comparable struct (usable as a map key component) — see spec.md §3.
type TLSProfile struct {
	// CABundleID identifies the trust root set in use (e.g. a hash of the
	// PEM bundle, or a well-known name like "system").
	CABundleID string
	// VerifyMode distinguishes normal verification from insecure or
	// custom-callback modes; kept as a string so callers can name their
	// own modes without a shared enum.
	VerifyMode string
	// ClientCertID identifies the client certificate presented, if any.
	ClientCertID string
	// ServerName is the SNI value offered during the handshake.
	ServerName string
	// ALPNOffers is the ALPN protocol list offered, joined with commas so
	// the profile stays comparable (Go structs with slice fields aren't).
	ALPNOffers string
	// ClientHelloID names a github.com/refraction-networking/utls
	// fingerprint profile ("" means the Go standard ClientHello).
	ClientHelloID string
}

// Origin is the canonical pool bucket key: two requests with an equal
// Origin MUST be poolable together, and no others may be.
type Origin struct {
	Scheme     Scheme
	Host       string
	Port       string
	TLSProfile TLSProfile
	// Proxy, if non-empty, is the "scheme://host:port" of the proxy this
	// origin must be reached through. It participates in the key because
	// a direct connection and a proxied connection to the same logical
	// target are not interchangeable (spec.md §4.1).
	Proxy string
}

// String renders the origin the way it would appear as a URL authority,
// for logging and error messages.
func (o Origin) String() string {
	var b strings.Builder
	b.WriteString(string(o.Scheme))
	b.WriteString("://")
	b.WriteString(o.Host)
	if o.Port != "" && o.Port != defaultPort(o.Scheme) {
		b.WriteByte(':')
		b.WriteString(o.Port)
	}
	if o.Proxy != "" {
		b.WriteString(" via ")
		b.WriteString(o.Proxy)
	}
	return b.String()
}

// FromURL computes the Origin for the given URL and TLS profile,
// normalizing per spec.md §6 (lowercase host, strip default port).
func FromURL(u *url.URL, profile TLSProfile, proxy string) (Origin, error) {
	scheme := Scheme(strings.ToLower(u.Scheme))
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeWS, SchemeWSS, SchemeWSRFC8441, SchemeWSSRFC8441:
	default:
		return Origin{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Origin{}, fmt.Errorf("URL %q has no host", u.String())
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	} else if _, err := strconv.Atoi(port); err != nil {
		return Origin{}, fmt.Errorf("invalid port %q in URL %q", port, u.String())
	}
	if profile.ServerName == "" {
		profile.ServerName = host
	}

	return Origin{
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		TLSProfile: profile,
		Proxy:      proxy,
	}, nil
}

// HostPort returns the "host:port" pair suitable for dialing or DNS
// resolution.
func (o Origin) HostPort() string {
	return net.JoinHostPort(o.Host, o.Port)
}

// Normalize returns a copy of u with spec.md §6's URL normalization rules
// applied: lowercase host, strip default port, percent-encode the path.
// u itself is left unchanged. It is idempotent.
func Normalize(u *url.URL) *url.URL {
	clone := *u
	clone.Host = strings.ToLower(clone.Host)
	if clone.Port() == defaultPort(Scheme(strings.ToLower(clone.Scheme))) {
		clone.Host = clone.Hostname()
	}
	clone.Path = clone.EscapedPath()
	return &clone
}
