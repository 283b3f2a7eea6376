// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package stream provides iterators over the events delivered on a skyline
// channel.
package stream

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/creachadair/skyline"
)

// ErrLeft is reported by an iterator when its channel is no longer joined.
// It wraps skyline.ErrDisconnected.
var ErrLeft = fmt.Errorf("channel is no longer joined: %w", skyline.ErrDisconnected)

// Subscribe subscribes to ch and yields the events delivered on it, in the
// order received. The stream ends when the consumer stops, when ctx ends,
// or when ch is no longer joined.
//
// The returned iterator yields zero or more (ev, nil) values. If the stream
// ends for a reason other than the consumer stopping, the iterator ends with
// a final (nil, err) tuple, where err is ctx.Err() or ErrLeft.
//
// Events are queued without bound while the consumer is busy, so that the
// client's receive loop is never blocked.
func Subscribe(ctx context.Context, ch *skyline.Channel) iter.Seq2[*skyline.Event, error] {
	return func(yield func(*skyline.Event, error) bool) {
		var q queue
		q.ready = make(chan struct{}, 1)

		sub, err := ch.Subscribe(q.push)
		if err != nil {
			yield(nil, err)
			return
		}
		defer sub.Unsubscribe()

		for {
			for _, ev := range q.drain() {
				if !yield(ev, nil) {
					return
				}
			}
			select {
			case <-q.ready:
			case <-ch.Done():
				// Deliver anything that arrived before the channel ended.
				for _, ev := range q.drain() {
					if !yield(ev, nil) {
						return
					}
				}
				yield(nil, ErrLeft)
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// Typed is like [Subscribe], but yields only the events whose typed value
// has type T, converted to T.
func Typed[T any](ctx context.Context, ch *skyline.Channel) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for ev, err := range Subscribe(ctx, ch) {
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if v, ok := skyline.As[T](ev); ok && !yield(v, nil) {
				return
			}
		}
	}
}

// A queue buffers events between a subscriber and an iterator.
type queue struct {
	μ     sync.Mutex
	evs   []*skyline.Event
	ready chan struct{} // has a value when evs is non-empty
}

func (q *queue) push(ev *skyline.Event) {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.evs = append(q.evs, ev)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []*skyline.Event {
	q.μ.Lock()
	defer q.μ.Unlock()
	out := q.evs
	q.evs = nil
	return out
}
