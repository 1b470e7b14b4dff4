// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import "sync"

// Ring is a fixed-capacity packet buffer between the capture goroutine
// and the flow builder. When full, Push evicts the oldest record so the
// buffer always holds the most recent traffic.
type Ring struct {
	mu        sync.Mutex
	buf       []*PacketRecord
	head      int
	size      int
	overflows uint64
}

// NewRing creates a ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]*PacketRecord, capacity)}
}

// Push appends a record. If the ring is full the oldest record is
// evicted first; Push reports whether the record fit without eviction.
func (r *Ring) Push(p *PacketRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.size == len(r.buf) {
		// Drop the oldest entry to make room.
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.overflows++
		evicted = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = p
	r.size++
	return !evicted
}

// Pop removes and returns the oldest record.
func (r *Ring) Pop() (*PacketRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil, false
	}
	p := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return p, true
}

// PopBatch removes up to max of the oldest records. It returns nil when
// the ring is empty.
func (r *Ring) PopBatch(max int) []*PacketRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 || max <= 0 {
		return nil
	}
	n := max
	if n > r.size {
		n = r.size
	}
	out := make([]*PacketRecord, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.head]
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
	}
	r.size -= n
	return out
}

// Len returns the number of buffered records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflows returns the cumulative count of evicted records.
func (r *Ring) Overflows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflows
}
