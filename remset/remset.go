// Package remset implements remembered sets: chunked linked lists of word
// addresses that store a pointer into some generation, used by the
// incremental collector to avoid rescanning the whole heap.
package remset

import "github.com/shades-db/shades/pagestore"

// ChunkWords is the number of address slots per chunk.
const ChunkWords = 40

// chunk is one fixed-size node of a remembered set's chunk chain.
type chunk struct {
	slots [ChunkWords]pagestore.Addr
	count int
	next  *chunk
}

// Set is one generation's remembered set: a singly linked chain of chunks,
// each holding up to ChunkWords addresses of words elsewhere in the heap
// that point into this generation.
type Set struct {
	head *chunk
	size int
}

// New returns an empty remembered set.
func New() *Set { return &Set{} }

// Pool is the process-wide chunk freelist. Refilling in batches
// (RefillBatch) amortizes allocation across many Prepend calls.
type Pool struct {
	free      *chunk
	batchSize int
}

// NewPool creates an empty chunk pool. batchSize controls how many chunks
// RefillBatch allocates at a time (the rem_sets_per_malloc option).
func NewPool(batchSize int) *Pool {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Pool{batchSize: batchSize}
}

// RefillBatch allocates a fresh batch of chunks and pushes them onto the
// pool's freelist.
func (p *Pool) RefillBatch() {
	for i := 0; i < p.batchSize; i++ {
		c := &chunk{next: p.free}
		p.free = c
	}
}

// take pops one chunk from the pool, refilling first if empty.
func (p *Pool) take() *chunk {
	if p.free == nil {
		p.RefillBatch()
	}
	c := p.free
	p.free = c.next
	c.next = nil
	c.count = 0
	return c
}

// release splices a chain of chunks (head..tail) back onto the freelist.
func (p *Pool) release(head, tail *chunk) {
	if head == nil {
		return
	}
	tail.next = p.free
	p.free = head
}

// Prepend records that the word at referrerAddr holds a pointer into this
// generation, allocating a new chunk from pool if the current head chunk
// is full.
func (s *Set) Prepend(pool *Pool, referrerAddr pagestore.Addr) {
	if s.head == nil || s.head.count == ChunkWords {
		c := pool.take()
		c.next = s.head
		s.head = c
	}
	s.head.slots[s.head.count] = referrerAddr
	s.head.count++
	s.size++
}

// Len returns the total number of addresses recorded.
func (s *Set) Len() int { return s.size }

// Each calls visit once per recorded address, in most-recently-added-first
// order (the chunk chain's natural order).
func (s *Set) Each(visit func(pagestore.Addr)) {
	for c := s.head; c != nil; c = c.next {
		for i := 0; i < c.count; i++ {
			visit(c.slots[i])
		}
	}
}

// Contains reports whether addr was recorded (used only by tests — the
// collector always wants every entry, not a specific one, so it walks with
// Each instead of searching).
func (s *Set) Contains(addr pagestore.Addr) bool {
	found := false
	s.Each(func(a pagestore.Addr) {
		if a == addr {
			found = true
		}
	})
	return found
}

// Free splices the set's chunk chain back onto pool and empties s — called
// when the owning generation is collected.
func (s *Set) Free(pool *Pool) {
	if s.head == nil {
		return
	}
	tail := s.head
	for tail.next != nil {
		tail = tail.next
	}
	pool.release(s.head, tail)
	s.head = nil
	s.size = 0
}
