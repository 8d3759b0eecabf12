// Package oid implements object-identity allocation: the tagged-word OID
// kind (word.TagOID) and the allocator bookkeeping the root block persists
// across commits.
//
// AllocateCursor searches cursor-first, then random, then grows: the dense
// index space stays compact without a full scan on every allocation. The
// index-to-value table is a plain Go map; only the allocation search's
// externally visible behavior (which window it probes, when it falls back
// to random, when it grows the bound) is load-bearing.
package oid

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/shades-db/shades/word"
)

// windowSize is the probe window: the allocation cursor always sits on a
// multiple of 16, and a failed probe advances it by one window.
const windowSize = 16

// Map is the OID subsystem's state: the live oid -> value table plus the
// allocation cursor and freelist the root block persists across commits.
//
// External callers see a uuid.UUID identity via External, assigned by
// Allocate and dropped by Dispose, alongside the allocation-dense internal
// oid index. The uuid table is held only in memory: it is not part of
// State, so a Map filled by Restore holds no UUIDs.
type Map struct {
	values map[uint32]word.Word
	uuids  map[uint32]uuid.UUID

	oidMax              uint32
	oidInUse            uint32
	oidAllocationCursor uint32
	oidPrevRandom       uint32   // 0xFFFFFFFF means "no remembered point"
	freelist            []uint32 // LIFO of indices freed this session
}

// NoPrevRandom is the sentinel for "no remembered point to retry first."
const NoPrevRandom = 0xFFFFFFFF

// New returns an empty OID table, as at database creation.
func New() *Map {
	return &Map{
		values:        make(map[uint32]word.Word),
		uuids:         make(map[uint32]uuid.UUID),
		oidPrevRandom: NoPrevRandom,
	}
}

// State is the subset of Map's bookkeeping the root block persists
// (everything except the live value/uuid tables themselves, which are not
// persisted; Restore leaves both tables as they are).
type State struct {
	OIDMax              uint32
	OIDInUse            uint32
	OIDAllocationCursor uint32
	OIDPrevRandom       uint32
	Freelist            []uint32
}

// Snapshot returns m's persistable state, for RootBlock.Marshal.
func (m *Map) Snapshot() State {
	return State{
		OIDMax:              m.oidMax,
		OIDInUse:            m.oidInUse,
		OIDAllocationCursor: m.oidAllocationCursor,
		OIDPrevRandom:       m.oidPrevRandom,
		Freelist:            append([]uint32(nil), m.freelist...),
	}
}

// Restore resets m's bookkeeping to a previously snapshotted state, for
// package recovery after replaying the root block.
func (m *Map) Restore(s State) {
	m.oidMax = s.OIDMax
	m.oidInUse = s.OIDInUse
	m.oidAllocationCursor = s.OIDAllocationCursor
	m.oidPrevRandom = s.OIDPrevRandom
	m.freelist = append([]uint32(nil), s.Freelist...)
}

// findNonexistentKey scans the windowSize-wide range starting at start for
// the lowest index with no entry in m.values. It returns ok=false if every
// index in the window (up to oidMax) is occupied.
func (m *Map) findNonexistentKey(start uint32) (uint32, bool) {
	for i := uint32(0); i < windowSize; i++ {
		idx := start + i
		if idx >= m.oidMax {
			break
		}
		if _, occupied := m.values[idx]; !occupied {
			return idx, true
		}
	}
	return 0, false
}

// AllocateCursor picks the next free OID index without touching oidMax
// unless every other strategy fails. Search order: the freelist, then up
// to three windowSize-wide windows starting
// at oidAllocationCursor (advancing and wrapping at oidMax on each miss),
// then the remembered oidPrevRandom point, then a handful of random probes
// scaled by how full the OID space already is, and finally growth by one.
func (m *Map) AllocateCursor() uint32 {
	if n := len(m.freelist); n > 0 {
		idx := m.freelist[n-1]
		m.freelist = m.freelist[:n-1]
		return idx
	}

	if m.oidMax > 0 {
		tmp := m.oidAllocationCursor
		for attempt := 0; attempt < 3; attempt++ {
			if idx, ok := m.findNonexistentKey(tmp); ok {
				return idx
			}
			tmp += windowSize
			if tmp >= m.oidMax {
				tmp = 0
			}
			m.oidAllocationCursor = tmp
		}

		if m.oidPrevRandom != NoPrevRandom {
			if idx, ok := m.findNonexistentKey(m.oidPrevRandom); ok {
				m.oidPrevRandom = idx - idx%windowSize
				return idx
			}
		}

		rounds := randomRounds(m.oidInUse, m.oidMax)
		for ; rounds > 0; rounds-- {
			tmp := uint32(rand.Int63n(int64(m.oidMax)))
			tmp -= tmp % windowSize
			if idx, ok := m.findNonexistentKey(tmp); ok {
				m.oidPrevRandom = tmp
				return idx
			}
		}
		m.oidPrevRandom = NoPrevRandom
	}

	idx := m.oidMax
	m.oidMax++
	return idx
}

// randomRounds is a sliding scale: the fuller the OID space, the fewer
// random probes are worth trying before giving up and growing oidMax.
func randomRounds(inUse, max uint32) int {
	switch {
	case inUse+(inUse>>4) > max:
		return 0
	case inUse+(inUse>>3) > max:
		return 1
	case inUse+(inUse>>2) > max:
		return 2
	case inUse+(inUse>>1) > max:
		return 5
	default:
		return 16
	}
}

// Allocate reserves a fresh OID for value and returns its tagged word.
func (m *Map) Allocate(value word.Word) word.Word {
	idx := m.AllocateCursor()
	m.oidInUse++
	m.values[idx] = value
	m.uuids[idx] = uuid.New()
	return word.FromOID(idx)
}

// Dispose removes oid from the table, pushes its index onto the freelist
// for reuse within this commit group, and returns the value it held. It
// panics if oid is not currently allocated.
func (m *Map) Dispose(oid word.Word) word.Word {
	if !word.IsOID(oid) {
		panic(fmt.Sprintf("oid: Dispose called on a non-OID word %v", oid))
	}
	idx := word.ToOID(oid)
	v, ok := m.values[idx]
	if !ok {
		panic(fmt.Sprintf("oid: Dispose called on unallocated oid %d", idx))
	}
	delete(m.values, idx)
	delete(m.uuids, idx)
	m.oidInUse--
	m.freelist = append(m.freelist, idx)
	return v
}

// Ref returns the value oid currently refers to. The second return is
// false if oid is not allocated.
func (m *Map) Ref(oid word.Word) (word.Word, bool) {
	if !word.IsOID(oid) {
		return 0, false
	}
	v, ok := m.values[word.ToOID(oid)]
	return v, ok
}

// Update replaces oid's value and returns the value it held before. It
// panics if oid is not currently allocated.
func (m *Map) Update(oid word.Word, newValue word.Word) word.Word {
	if !word.IsOID(oid) {
		panic(fmt.Sprintf("oid: Update called on a non-OID word %v", oid))
	}
	idx := word.ToOID(oid)
	old, ok := m.values[idx]
	if !ok {
		panic(fmt.Sprintf("oid: Update called on unallocated oid %d", idx))
	}
	m.values[idx] = newValue
	return old
}

// External returns oid's externally-visible identity, the UUID Allocate
// assigned it in this process.
// The second return is false if oid is not allocated.
func (m *Map) External(oid word.Word) (uuid.UUID, bool) {
	if !word.IsOID(oid) {
		return uuid.UUID{}, false
	}
	u, ok := m.uuids[word.ToOID(oid)]
	return u, ok
}

// InUse returns how many OIDs are currently allocated.
func (m *Map) InUse() uint32 { return m.oidInUse }

// Max returns the current exclusive upper bound of allocated OID indices.
func (m *Map) Max() uint32 { return m.oidMax }
