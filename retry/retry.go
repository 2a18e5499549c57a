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

// Package retry implements the retry controller (spec.md §4.5, component
// C6): the decision table that turns a transport or HTTP outcome plus a
// set of counters into "retry after backoff" or "surface".
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Method idempotency, per spec.md §3: GET/HEAD/OPTIONS/PUT/DELETE/TRACE
// are idempotent by default; POST/PATCH are not.
func MethodIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}

// Policy is the retry policy attached to a request (spec.md §3). All
// counters decrement toward zero; zero means "surface the next failure".
type Policy struct {
	Total    int
	Connect  int
	Read     int
	Redirect int

	StatusForcelist     map[int]bool
	AllowedMethods      map[string]bool
	BackoffFactor       time.Duration
	BackoffMax          time.Duration
	RespectRetryAfter   bool
	RaiseOnStatus       bool
	RaiseOnRedirect     bool
	RemoveHeadersOnRedirect []string
}

// DefaultPolicy mirrors common client library defaults: three total
// retries, idempotent-method retries on connect/read errors, and the
// classic 429/5xx status forcelist.
func DefaultPolicy() Policy {
	return Policy{
		Total:    3,
		Connect:  3,
		Read:     2,
		Redirect: 5,
		StatusForcelist: map[int]bool{
			429: true, 500: true, 502: true, 503: true, 504: true,
		},
		AllowedMethods: map[string]bool{
			http.MethodGet: true, http.MethodHead: true, http.MethodOptions: true,
			http.MethodPut: true, http.MethodDelete: true, http.MethodTrace: true,
		},
		BackoffFactor:     100 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		RespectRetryAfter: true,
		RaiseOnStatus:     true,
		RaiseOnRedirect:   true,
		RemoveHeadersOnRedirect: []string{
			"Authorization", "Cookie", "Proxy-Authorization",
		},
	}
}

// Outcome enumerates the shapes of a single attempt's result that the
// decision table (spec.md §4.5) distinguishes.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeConnectError
	OutcomeReadErrorBeforeSend
	OutcomeReadErrorAfterSend
	OutcomeStatusForcelisted
	OutcomeRedirect
)

// Action is what the controller tells the dispatcher to do next.
type Action int

const (
	ActionSurface Action = iota
	ActionRetry
	ActionRedirect
	ActionTooManyRedirects
)

// Decision is the result of one call to Decide.
type Decision struct {
	Action  Action
	Backoff time.Duration
	Policy  Policy // updated counters
}

// Decide implements the row-taken-is-first-match table of spec.md §4.5.
// attempt is 1-based (the number of the attempt that just completed).
// retryAfter is the parsed Retry-After delay, or 0 if absent.
func Decide(p Policy, outcome Outcome, method string, statusCode int, attempt int, retryAfter time.Duration) Decision {
	idempotent := MethodIsIdempotent(method)

	switch outcome {
	case OutcomeConnectError:
		if p.Connect > 0 {
			p.Connect--
			p.Total--
			return Decision{Action: ActionRetry, Backoff: backoff(p, attempt, retryAfter), Policy: p}
		}
	case OutcomeReadErrorBeforeSend:
		if p.Total > 0 {
			p.Total--
			return Decision{Action: ActionRetry, Backoff: backoff(p, attempt, retryAfter), Policy: p}
		}
	case OutcomeReadErrorAfterSend:
		if idempotent && p.Read > 0 {
			p.Read--
			p.Total--
			return Decision{Action: ActionRetry, Backoff: backoff(p, attempt, retryAfter), Policy: p}
		}
		// non-idempotent or read counter exhausted: surface directly,
		// per RFC 2616 §8.1.4 style — never re-send a request whose
		// body may have already taken effect server-side.
		return Decision{Action: ActionSurface, Policy: p}
	case OutcomeStatusForcelisted:
		allowed := idempotent || p.AllowedMethods[method]
		if allowed && p.Status() > 0 {
			p.Total--
			return Decision{Action: ActionRetry, Backoff: backoff(p, attempt, retryAfter), Policy: p}
		}
		if !allowed {
			return Decision{Action: ActionSurface, Policy: p}
		}
	case OutcomeRedirect:
		if p.Redirect > 0 {
			p.Redirect--
			return Decision{Action: ActionRedirect, Policy: p}
		}
		return Decision{Action: ActionTooManyRedirects, Policy: p}
	}

	if p.Total <= 0 {
		return Decision{Action: ActionSurface, Policy: p}
	}
	return Decision{Action: ActionSurface, Policy: p}
}

// Status returns the remaining status-forcelist retry budget. The policy
// struct does not carry a separate status counter in spec.md's data
// model (it reuses Total plus the forcelist/allowed-methods gates), so
// this simply mirrors Total; kept as a method so Decide reads like the
// spec's table ("status>0").
func (p Policy) Status() int {
	return p.Total
}

// backoff computes min(backoff_max, backoff_factor*2^(attempt-1)) plus
// jitter, honoring Retry-After when it is present and larger (spec.md
// §4.5).
func backoff(p Policy, attempt int, retryAfter time.Duration) time.Duration {
	exp := time.Duration(math.Pow(2, float64(attempt-1))) * p.BackoffFactor
	if exp > p.BackoffMax {
		exp = p.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(p.BackoffFactor) + 1)) //nolint:gosec // timing jitter, not a security boundary
	delay := exp + jitter
	if p.RespectRetryAfter && retryAfter > delay {
		return retryAfter
	}
	return delay
}

// ParseRetryAfter accepts either delay-seconds or an HTTP-date, per
// spec.md §6.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := parseSeconds(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func parseSeconds(s string) (int64, error) {
	var n int64
	var neg bool
	if len(s) == 0 {
		return 0, errNotANumber
	}
	i := 0
	if s[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(s) {
		return 0, errNotANumber
	}
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

const errNotANumber = parseError("retry-after: not a number")
