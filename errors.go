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
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error taxonomy from spec.md §7. It is semantic, not a Go
// type hierarchy: each *Error this module returns carries exactly one
// Kind, in its Kind field.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindRead
	KindWrite
	KindProtocol
	KindPool
	KindRetry
	KindTimeout
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindRead:
		return "ReadError"
	case KindWrite:
		return "WriteError"
	case KindProtocol:
		return "ProtocolError"
	case KindPool:
		return "PoolError"
	case KindRetry:
		return "RetryError"
	case KindTimeout:
		return "TimeoutError"
	case KindDecode:
		return "DecodeError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind and, optionally, a more
// specific Reason string (e.g. "hostname_mismatch" for an SSLError, or
// "ping_timeout" for a keepalive failure).
type Error struct {
	Kind   Kind
	Reason string
	Origin string
	cause  error
}

func newError(kind Kind, origin, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Origin: origin, cause: cause}
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s) for %s: %v", e.Kind, e.Reason, e.Origin, e.cause)
	}
	return fmt.Sprintf("%s for %s: %v", e.Kind, e.Origin, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Cause returns the first underlying error in the chain, satisfying
// github.com/pkg/errors's Causer interface so callers can use
// errors.Cause(err) to reach the original transport/protocol fault.
func (e *Error) Cause() error {
	return errors.Cause(e.cause)
}

// ConnectError reports DNS, TCP/UDP connect, or TLS handshake failure.
func ConnectError(origin string, cause error) *Error {
	return newError(KindConnect, origin, "", errors.WithStack(cause))
}

// SSLError reports a TLS-specific ConnectError, with a Reason such as
// "hostname_mismatch" or "cert_invalid".
func SSLError(origin, reason string, cause error) *Error {
	return newError(KindConnect, origin, reason, errors.WithStack(cause))
}

// ReadError reports a transport EOF, read timeout, or stream reset while
// waiting for or reading a response.
func ReadError(origin string, cause error) *Error {
	return newError(KindRead, origin, "", errors.WithStack(cause))
}

// WriteError reports a transport failure while sending a request.
func WriteError(origin string, cause error) *Error {
	return newError(KindWrite, origin, "", errors.WithStack(cause))
}

// ProtocolError reports malformed framing or an illegal header.
func ProtocolError(origin string, cause error) *Error {
	return newError(KindProtocol, origin, "", errors.WithStack(cause))
}

// PoolFullError reports that a non-blocking pool acquire found no
// available connection and no room to open one.
func PoolFullError(origin string) *Error {
	return newError(KindPool, origin, "pool_full", nil)
}

// PoolClosedError reports use of a pool after shutdown.
func PoolClosedError(origin string) *Error {
	return newError(KindPool, origin, "closed", nil)
}

// TimeoutError reports a connect, read, or total-deadline expiry.
func TimeoutError(origin, phase string, cause error) *Error {
	return newError(KindTimeout, origin, phase, cause)
}

// DecodeError reports a content-encoding decode failure.
func DecodeError(origin string, cause error) *Error {
	return newError(KindDecode, origin, "", errors.WithStack(cause))
}

// MaxRetryError wraps the last underlying error once a RetryPolicy's
// counters are exhausted. Sub-kind TooManyRedirects is signaled via
// Reason == "too_many_redirects".
type MaxRetryError struct {
	Origin  string
	Reason  string
	Last    error
	Attempt int
}

func (e *MaxRetryError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("max retries exceeded for %s after %d attempts (%s): %v", e.Origin, e.Attempt, e.Reason, e.Last)
	}
	return fmt.Sprintf("max retries exceeded for %s after %d attempts: %v", e.Origin, e.Attempt, e.Last)
}

func (e *MaxRetryError) Unwrap() error {
	return e.Last
}

// TooManyRedirects builds the redirect-specific sub-kind of MaxRetryError.
func TooManyRedirects(origin string, attempt int, last error) *MaxRetryError {
	return &MaxRetryError{Origin: origin, Reason: "too_many_redirects", Last: last, Attempt: attempt}
}
