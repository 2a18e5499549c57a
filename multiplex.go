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
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// MultiplexedResult is one request's outcome from a Multiplexed call.
// Index identifies which request (by position in the slice passed to
// Multiplexed) this result belongs to.
type MultiplexedResult struct {
	Index    int
	Response *http.Response
	Err      error
}

// ResponseSequence yields MultiplexedResult values in the order the
// underlying requests actually complete, not the order they were
// submitted in. A fast request queued after a slow one is delivered
// first — the same completion-order guarantee a multiplexed HTTP/2 or
// HTTP/3 connection gives independent streams, since none of them waits
// behind head-of-line blocking on another.
type ResponseSequence struct {
	results chan MultiplexedResult
	wg      *sync.WaitGroup
	closeOn sync.Once
}

// Next blocks until another request completes, ctx is done, or every
// request has already reported its result. ok is false only in the
// latter case.
func (s *ResponseSequence) Next(ctx context.Context) (MultiplexedResult, bool) {
	select {
	case res, ok := <-s.results:
		return res, ok
	case <-ctx.Done():
		return MultiplexedResult{Err: ctx.Err()}, true
	}
}

// Close waits for every in-flight request to finish and releases its
// resources. Any response bodies the caller has not consumed from
// results already delivered via Next remain the caller's responsibility
// to close.
func (s *ResponseSequence) Close() {
	s.closeOn.Do(func() {
		s.wg.Wait()
	})
}

// Multiplexed dispatches every request in reqs concurrently over
// client's transport and returns a ResponseSequence that delivers their
// responses as each finishes — completion order, not submission order.
// Each request still goes through the full retry/redirect handling a
// plain client.Do(req) would give it; Multiplexed only changes how the
// caller collects the results.
//
// client must have been built by NewClient in this package; passing any
// other *http.Client returns an error.
func Multiplexed(ctx context.Context, client *http.Client, reqs ...*http.Request) (*ResponseSequence, error) {
	t, ok := client.Transport.(*dispatcher)
	if !ok {
		return nil, errors.New("httplb: Multiplexed requires a client built by NewClient")
	}

	var wg sync.WaitGroup
	seq := &ResponseSequence{
		results: make(chan MultiplexedResult, len(reqs)),
		wg:      &wg,
	}

	wg.Add(len(reqs))
	for i, req := range reqs {
		go func(i int, req *http.Request) {
			defer wg.Done()
			resp, err := t.RoundTrip(req.WithContext(ctx))
			seq.results <- MultiplexedResult{Index: i, Response: resp, Err: err}
		}(i, req)
	}

	go func() {
		wg.Wait()
		close(seq.results)
	}()

	return seq, nil
}
