// Package queue implements a cancellable submission group: a thin layer
// over a Channel that remembers only the serials it submitted, so that
// tearing down one component (radio, SIM, network, data) cancels exactly
// its own in-flight requests without touching traffic belonging to anyone
// else sharing the same Channel.
package queue

import (
	"sync"

	"github.com/protei/rild/pkg/ril/channel"
)

// Queue holds a weak reference to a Channel and the set of serials it has
// submitted and not yet seen reach a terminal outcome.
type Queue struct {
	mu      sync.Mutex
	ch      *channel.Channel
	serials map[int32]struct{}
}

// New returns a Queue layered on ch.
func New(ch *channel.Channel) *Queue {
	return &Queue{
		ch:      ch,
		serials: make(map[int32]struct{}),
	}
}

// Submit forwards req to the underlying Channel, tracking its serial until
// OnDone fires. The caller's OnDone still runs; tracking is invisible to
// it. Channel.Submit always returns before any OnDone callback can run
// (there is no frame round trip faster than the call returning), so the
// serial variable closed over below is populated by the time it matters.
func (q *Queue) Submit(req channel.Request) int32 {
	inner := req.OnDone
	var serial int32
	req.OnDone = func(status channel.Status, body []byte) {
		q.mu.Lock()
		delete(q.serials, serial)
		q.mu.Unlock()
		if inner != nil {
			inner(status, body)
		}
	}

	serial = q.ch.Submit(req)

	q.mu.Lock()
	q.serials[serial] = struct{}{}
	q.mu.Unlock()

	return serial
}

// Cancel cancels one serial owned by this queue; it is a no-op if the
// serial was never submitted through this queue or already completed.
func (q *Queue) Cancel(serial int32, notify bool) {
	q.mu.Lock()
	_, ok := q.serials[serial]
	delete(q.serials, serial)
	q.mu.Unlock()
	if !ok {
		return
	}
	q.ch.Cancel(serial, notify)
}

// Dispose cancels every serial this queue still owns, invoking each
// one's OnDone with StatusCancelled, and forgets them. It is idempotent.
func (q *Queue) Dispose() {
	q.mu.Lock()
	serials := make([]int32, 0, len(q.serials))
	for s := range q.serials {
		serials = append(serials, s)
	}
	q.serials = make(map[int32]struct{})
	q.mu.Unlock()

	for _, s := range serials {
		q.ch.Cancel(s, true)
	}
}

// Pending reports how many serials this queue currently owns.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.serials)
}
