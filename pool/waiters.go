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
	"container/list"

	"github.com/wireloop/httpconn/session"
)

// waiterQueue is the FIFO queue from spec.md §3's PerOriginPool ("waiters:
// FIFO queue"). A plain container/list is enough: the pack carries no
// third-party queue/deque library, and this data structure never grows
// past max_size in-flight waiters, so a dependency would not displace
// meaningful code (see DESIGN.md's stdlib justification).
type waiterQueue struct {
	l *list.List
}

type waiter struct {
	ch chan session.Conn
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{l: list.New()}
}

// push enqueues a new waiter and returns the channel it will receive its
// connection on, exactly once, when wake is called for it.
func (q *waiterQueue) push() (*waiter, func()) {
	w := &waiter{ch: make(chan session.Conn, 1)}
	elem := q.l.PushBack(w)
	cancel := func() { q.l.Remove(elem) }
	return w, cancel
}

// wakeOne pops the oldest waiter and hands it conn, per spec.md §5's
// "pool waiters are FIFO" ordering guarantee. Reports whether a waiter
// was woken.
func (q *waiterQueue) wakeOne(conn session.Conn) bool {
	front := q.l.Front()
	if front == nil {
		return false
	}
	q.l.Remove(front)
	w := front.Value.(*waiter) //nolint:forcetypeassert
	w.ch <- conn
	return true
}

func (q *waiterQueue) len() int {
	return q.l.Len()
}
