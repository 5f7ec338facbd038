// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the ring size used when New is given zero.
const DefaultCapacity = 1000

// ErrClosed is returned by Receiver.Next once the hub is closed and
// the receiver has consumed everything still retained.
var ErrClosed = errors.New("broadcast: hub closed")

// Hub fans published values out to every Receiver. All methods are
// safe for concurrent use.
type Hub[T any] struct {
	mutex    sync.Mutex
	ring     []T
	capacity int

	// published is the total number of values ever published. The
	// ring holds sequences [published-min(published,capacity), published).
	published uint64

	// notify is closed and replaced on every publish so waiting
	// receivers wake without a per-receiver channel send.
	notify chan struct{}

	receivers int
	closed    bool
}

// New returns a hub retaining the last capacity values. Zero or a
// negative capacity means DefaultCapacity.
func New[T any](capacity int) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub[T]{
		ring:     make([]T, capacity),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Publish appends value and wakes waiting receivers. It returns the
// value's sequence number. Publishing to a closed hub is a no-op that
// returns the current sequence.
func (hub *Hub[T]) Publish(value T) uint64 {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return hub.published
	}
	sequence := hub.published
	hub.ring[sequence%uint64(hub.capacity)] = value
	hub.published++
	close(hub.notify)
	hub.notify = make(chan struct{})
	return sequence
}

// Subscribe returns a receiver that sees every value published after
// this call. Call Close on the receiver when done.
func (hub *Hub[T]) Subscribe() *Receiver[T] {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.receivers++
	return &Receiver[T]{hub: hub, next: hub.published}
}

// Close wakes every receiver. Receivers drain what the ring still
// retains and then get ErrClosed.
func (hub *Hub[T]) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return
	}
	hub.closed = true
	close(hub.notify)
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Held      int    `json:"held"`
	Published uint64 `json:"published"`
	Receivers int    `json:"receivers"`
	Closed    bool   `json:"closed"`
}

// Stats reports the hub's counters.
func (hub *Hub[T]) Stats() Stats {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return Stats{
		Capacity:  hub.capacity,
		Held:      int(min(hub.published, uint64(hub.capacity))),
		Published: hub.published,
		Receivers: hub.receivers,
		Closed:    hub.closed,
	}
}

// oldestLocked is the sequence of the oldest retained value.
func (hub *Hub[T]) oldestLocked() uint64 {
	if hub.published <= uint64(hub.capacity) {
		return 0
	}
	return hub.published - uint64(hub.capacity)
}

// Receiver is one independent cursor into a Hub. A Receiver is not
// safe for concurrent use; give each consumer its own.
type Receiver[T any] struct {
	hub    *Hub[T]
	next   uint64
	closed bool
}

// Next blocks until a value is available, ctx is done, or the hub is
// closed and drained. dropped is the number of values this receiver
// missed because the ring overwrote them before they were read.
func (receiver *Receiver[T]) Next(ctx context.Context) (value T, dropped uint64, err error) {
	hub := receiver.hub
	for {
		if receiver.closed {
			return value, 0, ErrClosed
		}
		hub.mutex.Lock()
		if oldest := hub.oldestLocked(); receiver.next < oldest {
			dropped = oldest - receiver.next
			receiver.next = oldest
		}
		if receiver.next < hub.published {
			value = hub.ring[receiver.next%uint64(hub.capacity)]
			receiver.next++
			hub.mutex.Unlock()
			return value, dropped, nil
		}
		if hub.closed {
			hub.mutex.Unlock()
			return value, dropped, ErrClosed
		}
		wake := hub.notify
		hub.mutex.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return value, dropped, ctx.Err()
		}
	}
}

// Pending is the number of retained values this receiver has not
// read yet.
func (receiver *Receiver[T]) Pending() int {
	hub := receiver.hub
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	next := max(receiver.next, hub.oldestLocked())
	return int(hub.published - next)
}

// Close detaches the receiver from the hub's receiver count. Next
// returns ErrClosed afterwards.
func (receiver *Receiver[T]) Close() {
	if receiver.closed {
		return
	}
	receiver.closed = true
	hub := receiver.hub
	hub.mutex.Lock()
	hub.receivers--
	hub.mutex.Unlock()
}
