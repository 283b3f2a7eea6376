// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"sync"
	"time"
)

// A pendingRequest is an outbound request awaiting its response.
type pendingRequest struct {
	id       uint64
	created  time.Time
	deadline time.Time // zero means no deadline
	resolve  func(*Event, error)
}

// A correlator pairs outbound requests with their responses. Every pending
// request is removed exactly once, by resolve, cancel, expire or failAll, and
// its resolver (if any) is called after removal outside the lock.
type correlator struct {
	now func() time.Time

	μ       sync.Mutex
	next    uint64 // the most recently assigned id
	pending map[uint64]*pendingRequest
	err     error // if non-nil, new requests are refused with this error
}

func newCorrelator() *correlator {
	return &correlator{now: time.Now, pending: make(map[uint64]*pendingRequest)}
}

// register records a new pending request and returns its id. Ids increase
// monotonically, are never 0, and skip any id still pending after the
// counter wraps around.
func (c *correlator) register(resolve func(*Event, error), timeout time.Duration) (uint64, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	for {
		c.next++
		if c.next == 0 {
			continue
		} else if _, busy := c.pending[c.next]; !busy {
			break
		}
	}
	pr := &pendingRequest{id: c.next, created: c.now(), resolve: resolve}
	if timeout > 0 {
		pr.deadline = pr.created.Add(timeout)
	}
	c.pending[pr.id] = pr
	return pr.id, nil
}

func (c *correlator) take(id uint64) *pendingRequest {
	c.μ.Lock()
	defer c.μ.Unlock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return pr
}

// resolve delivers ev to the request with the given id, and reports whether
// a pending request matched.
func (c *correlator) resolve(id uint64, ev *Event) bool {
	pr := c.take(id)
	if pr == nil {
		return false
	}
	pr.resolve(ev, nil)
	return true
}

// cancel discards the request with the given id without resolving it, and
// reports whether it was still pending.
func (c *correlator) cancel(id uint64) bool { return c.take(id) != nil }

// expire fails all requests whose deadline is at or before now with
// ErrTimeout, and reports how many there were.
func (c *correlator) expire(now time.Time) int {
	c.μ.Lock()
	var old []*pendingRequest
	for id, pr := range c.pending {
		if !pr.deadline.IsZero() && !pr.deadline.After(now) {
			old = append(old, pr)
			delete(c.pending, id)
		}
	}
	c.μ.Unlock()

	for _, pr := range old {
		pr.resolve(nil, ErrTimeout)
	}
	return len(old)
}

// failAll fails all pending requests with err, and refuses new requests with
// err thereafter.
func (c *correlator) failAll(err error) int {
	c.μ.Lock()
	all := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.err = err
	c.μ.Unlock()

	for _, pr := range all {
		pr.resolve(nil, err)
	}
	return len(all)
}

// size reports the number of pending requests.
func (c *correlator) size() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.pending)
}
