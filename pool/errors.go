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

import "errors"

// Sentinel errors this package returns from Acquire. The root package
// wraps these into its own typed httpconn.Error taxonomy (spec.md §7);
// pool stays independent of that package to avoid an import cycle, since
// the root package is the one wiring a *Manager in the first place.
var (
	// ErrPoolFull is returned by the non-blocking TryAcquire when no idle
	// H1 connection and no multiplexed connection with a free stream is
	// available. TryAcquire never dials, so this happens below max_size
	// too.
	ErrPoolFull = errors.New("pool: origin connection pool is full")
	// ErrAcquireTimeout is returned when Acquire's context expires while
	// waiting on the waiter queue.
	ErrAcquireTimeout = errors.New("pool: timed out waiting for a connection")
	// ErrPoolClosed is returned by any operation on a pool or manager
	// after Close has been called.
	ErrPoolClosed = errors.New("pool: closed")
)
