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

// Package redirect implements the redirect controller (spec.md §4.6,
// component C7): rewriting a request in response to a 3xx and deciding
// which headers survive a cross-origin hop.
package redirect

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Policy configures redirect handling. The zero value is not usable;
// build one with DefaultPolicy.
type Policy struct {
	Max int

	// RemoveHeadersOnRedirect lists header names (canonical form) that
	// are stripped whenever a redirect crosses to a different origin.
	RemoveHeadersOnRedirect []string
}

// DefaultPolicy scrubs the headers most likely to leak credentials
// across an origin boundary.
func DefaultPolicy() Policy {
	return Policy{
		Max: 5,
		RemoveHeadersOnRedirect: []string{
			"Authorization", "Cookie", "Proxy-Authorization", "Www-Authenticate",
		},
	}
}

var errNoLocation = errors.New("redirect: response has no Location header")

// Rewrite builds the next request for a 3xx response, per spec.md §4.6:
//
//   - 301, 302, 303: a non-GET/HEAD method is rewritten to GET and the
//     body is dropped.
//   - 307, 308: method and body are preserved; the body must be
//     rewindable (req.GetBody != nil) or Rewrite fails.
//   - Location is resolved relative to the original request's URL.
//   - If the resolved target's origin (scheme+host+port) differs from
//     the original, headers named in RemoveHeadersOnRedirect are
//     stripped from the cloned header set.
func Rewrite(p Policy, req *http.Request, statusCode int, location string) (*http.Request, error) {
	if location == "" {
		return nil, errNoLocation
	}
	target, err := req.URL.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(err, "redirect: parsing Location %q", location)
	}

	next := req.Clone(req.Context())
	next.URL = target
	next.Host = ""

	switch statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			next.Method = http.MethodGet
			next.Body = nil
			next.GetBody = nil
			next.ContentLength = 0
			dropContentHeaders(next.Header)
		}
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if req.Body != nil && req.GetBody == nil {
			return nil, errors.Errorf("redirect: %d requires a rewindable body but request has none", statusCode)
		}
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, errors.Wrap(err, "redirect: rewinding body")
			}
			next.Body = body
		}
	default:
		return nil, errors.Errorf("redirect: unsupported status code %d", statusCode)
	}

	if crossOrigin(req.URL, target) {
		next.Header = next.Header.Clone()
		for _, name := range p.RemoveHeadersOnRedirect {
			next.Header.Del(name)
		}
	}

	return next, nil
}

// dropContentHeaders removes every Content-* header from h, per spec.md
// §4.6's "drop Content-* headers" rule for a 301/302/303 method
// downgrade to GET — not just Content-Type/Content-Length, since the
// request no longer has a body for any of them to describe.
func dropContentHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "Content-") {
			h.Del(name)
		}
	}
}

func crossOrigin(a, b *url.URL) bool {
	return !strings.EqualFold(a.Scheme, b.Scheme) ||
		!strings.EqualFold(a.Hostname(), b.Hostname()) ||
		effectivePort(a) != effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") || strings.EqualFold(u.Scheme, "wss") {
		return "443"
	}
	return "80"
}

// IsRedirectStatus reports whether code is one of the five redirect
// statuses this controller understands.
func IsRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
