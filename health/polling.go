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

package health

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wireloop/httpconn/conn"
	"github.com/wireloop/httpconn/internal"
)

// Prober issues a single health-check probe on the given connection.
type Prober interface {
	Probe(ctx context.Context, connection conn.Conn) error
}

// ProberFunc adapts a plain function to a Prober.
type ProberFunc func(ctx context.Context, connection conn.Conn) error

func (f ProberFunc) Probe(ctx context.Context, connection conn.Conn) error {
	return f(ctx, connection)
}

// NewSimpleProber returns a Prober that issues a GET request to the
// given path and treats any 2xx/3xx status as healthy.
func NewSimpleProber(path string) Prober {
	return ProberFunc(func(ctx context.Context, connection conn.Conn) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, http.NoBody)
		if err != nil {
			return err
		}
		req.URL.Scheme = connection.Scheme()
		req.URL.Host = connection.Address().HostPort
		resp, err := connection.RoundTrip(req, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}

// PollingCheckerConfig configures NewPollingChecker. The zero value picks
// reasonable defaults: probe every 10 seconds, one healthy probe to go
// healthy, one failing probe to go unhealthy.
type PollingCheckerConfig struct {
	PollingInterval    time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
}

func (c PollingCheckerConfig) applyDefaults() PollingCheckerConfig {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 10 * time.Second
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 1
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 1
	}
	return c
}

// NewPollingChecker returns a Checker that periodically issues a Probe on
// each connection and reports StateHealthy/StateUnhealthy once the
// configured number of consecutive passes/failures accumulate; the first
// pass of a connection whose state is still unknown reports StateHealthy
// at once, whatever HealthyThreshold is. This
// backs C5's keepalive/health-adjacent liveness inference for the
// address balancer in package pool (spec.md §4.4's per-connection ticking
// task, applied here to resolved addresses rather than protocol
// connections).
func NewPollingChecker(cfg PollingCheckerConfig, prober Prober) Checker {
	return &pollingChecker{cfg: cfg.applyDefaults(), prober: prober, clock: internal.NewRealClock()}
}

// SetPollingClock overrides the clock a Checker built by NewPollingChecker
// uses, for deterministic tests. It panics if checker was not built by
// NewPollingChecker.
func SetPollingClock(checker Checker, clock internal.Clock) {
	checker.(*pollingChecker).clock = clock //nolint:forcetypeassert
}

type pollingChecker struct {
	cfg    PollingCheckerConfig
	prober Prober
	clock  internal.Clock
}

func (p *pollingChecker) New(ctx context.Context, connection conn.Conn, tracker Tracker) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	proc := &pollingProcess{
		checker:    p,
		connection: connection,
		tracker:    tracker,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go proc.run(ctx)
	return closerFunc(func() error {
		cancel()
		<-proc.done
		return nil
	})
}

type pollingProcess struct {
	checker    *pollingChecker
	connection conn.Conn
	tracker    Tracker

	mu               sync.Mutex
	consecutivePass  int
	consecutiveFail  int
	current          State

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *pollingProcess) run(ctx context.Context) {
	defer close(p.done)

	ticker := p.checker.clock.NewTicker(p.checker.cfg.PollingInterval)
	defer ticker.Stop()

	p.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.probeOnce(ctx)
		}
	}
}

func (p *pollingProcess) probeOnce(ctx context.Context) {
	err := p.checker.prober.Probe(ctx, p.connection)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.consecutiveFail++
		p.consecutivePass = 0
		if p.consecutiveFail >= p.checker.cfg.UnhealthyThreshold && p.current != StateUnhealthy {
			p.current = StateUnhealthy
			p.tracker.UpdateHealthState(p.connection, StateUnhealthy)
		}
		return
	}
	p.consecutivePass++
	p.consecutiveFail = 0
	if (p.consecutivePass >= p.checker.cfg.HealthyThreshold || p.current == StateUnknown) && p.current != StateHealthy {
		p.current = StateHealthy
		p.tracker.UpdateHealthState(p.connection, StateHealthy)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
