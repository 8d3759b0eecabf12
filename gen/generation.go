// Package gen implements the generation manager, the copying collector
// used both for nursery promotion and mature-generation compaction, and
// the incremental major GC driver.
package gen

import (
	"fmt"

	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/remset"
)

// Status is a generation's lifecycle state.
type Status uint8

const (
	NonExistent Status = iota
	Normal
	ToBeCollected
	BeingCollected
	CollectedOnce
	CollectedTwice
)

func (s Status) String() string {
	switch s {
	case NonExistent:
		return "NONEXISTENT"
	case Normal:
		return "NORMAL"
	case ToBeCollected:
		return "TO_BE_COLLECTED"
	case BeingCollected:
		return "BEING_COLLECTED"
	case CollectedOnce:
		return "COLLECTED_ONCE"
	case CollectedTwice:
		return "COLLECTED_TWICE"
	default:
		return "UNKNOWN"
	}
}

// Number identifies a generation; it is never reused while the generation
// it names is reachable through the age list, the collected-twice list, or
// a persisted pinfo record.
type Number int32

// Generation is a set of pages that were collected together.
type Generation struct {
	Number Number
	Status Status

	RemSet *remset.Set

	Pages     []pagestore.PageID
	DiskPages []pagestore.DiskPageNumber

	// Age-ordered doubly linked list.
	Younger *Generation
	Older   *Generation

	// FromGenerations are the older generations whose live data was
	// copied into this one by the most recent major-GC step that
	// produced it.
	FromGenerations []*Generation

	// NumReferringPtrs is the number of root-block pointer slots that
	// refer directly into this generation.
	NumReferringPtrs int

	// CollectedTwiceNext chains this generation onto Manager's global
	// collected-twice list once the generation its live data moved to
	// reaches CollectedOnce.
	CollectedTwiceNext *Generation
}

// Pinfo is the persisted descriptor of one generation, recorded into the
// root block's pinfo list on every commit.
type Pinfo struct {
	GenerationNumber   Number
	NumPages           int
	NumFromGenerations int
	NumReferringPtrs   int
	Pages              []pagestore.PageID
	DiskPages          []pagestore.DiskPageNumber
}

// BuildPinfo snapshots g into a Pinfo record.
func BuildPinfo(g *Generation) Pinfo {
	return Pinfo{
		GenerationNumber:   g.Number,
		NumPages:           len(g.Pages),
		NumFromGenerations: len(g.FromGenerations),
		NumReferringPtrs:   g.NumReferringPtrs,
		Pages:              append([]pagestore.PageID(nil), g.Pages...),
		DiskPages:          append([]pagestore.DiskPageNumber(nil), g.DiskPages...),
	}
}

// Manager owns every generation slot, the age-ordered doubly linked list,
// and the global collected-twice list.
type Manager struct {
	pm   *pagestore.PageManager
	cat  *cells.Catalog
	pool *remset.Pool

	slots []*Generation // indexed by Number; nil when free

	youngest *Generation
	oldest   *Generation

	collectedTwiceHead *Generation

	// toGn is the generation currently being written into by the copying
	// collector (nursery promotion or a major-GC step).
	toGn *Generation
}

// NewManager creates an empty Manager with capacity for maxGenerations
// slots.
func NewManager(pm *pagestore.PageManager, cat *cells.Catalog, pool *remset.Pool, maxGenerations int) *Manager {
	return &Manager{pm: pm, cat: cat, pool: pool, slots: make([]*Generation, maxGenerations)}
}

// Youngest returns the youngest generation in the age list, or nil if none
// exists yet.
func (m *Manager) Youngest() *Generation { return m.youngest }

// Oldest returns the oldest generation in the age list, or nil.
func (m *Manager) Oldest() *Generation { return m.oldest }

// ToGeneration returns the generation the copying collector is currently
// writing into.
func (m *Manager) ToGeneration() *Generation { return m.toGn }

// SetToGeneration overrides the current to-generation: recovery reinstalls
// one without going through AllocateGeneration, and the commit driver
// resets it to nil so each commit group promotes into a fresh generation.
func (m *Manager) SetToGeneration(g *Generation) { m.toGn = g }

// Lookup returns the generation with the given number, or nil.
func (m *Manager) Lookup(n Number) *Generation {
	if int(n) < 0 || int(n) >= len(m.slots) {
		return nil
	}
	return m.slots[n]
}

// AllocateGeneration selects the next free slot by linear probe,
// initializes it as Normal, installs it as the to-generation, and returns
// it. Exhausting every slot is fatal: the configured generation bound was
// too small for the workload.
func (m *Manager) AllocateGeneration() (*Generation, error) {
	for i, s := range m.slots {
		if s == nil {
			g := &Generation{Number: Number(i), Status: Normal, RemSet: remset.New()}
			m.slots[i] = g
			m.toGn = g
			return g, nil
		}
	}
	return nil, fmt.Errorf("gen: no free generation slots (max_generation_size exceeded)")
}

// RecoveryInstall force-installs a generation at slot n with the in-RAM
// and disk-page lists recovered from a persisted pinfo entry, bypassing
// AllocateGeneration's linear probe so the rebuilt generation keeps the
// exact Number it had before the crash — pointers inside already-read
// pages encode addresses relative to that number's pages, not to whatever
// slot a fresh search would pick. Calling it twice for the same Number
// with the same data is harmless: the youngest generation is described
// both by the root block's dedicated fields and by its pinfo entry, and
// recovery visits both.
func (m *Manager) RecoveryInstall(n Number, pages []pagestore.PageID, diskPages []pagestore.DiskPageNumber, numReferringPtrs int) *Generation {
	if int(n) >= len(m.slots) {
		grown := make([]*Generation, n+1)
		copy(grown, m.slots)
		m.slots = grown
	}
	if g := m.slots[n]; g != nil {
		g.Pages = pages
		g.DiskPages = diskPages
		g.NumReferringPtrs = numReferringPtrs
		return g
	}
	g := &Generation{
		Number:           n,
		Status:           Normal,
		RemSet:           remset.New(),
		Pages:            pages,
		DiskPages:        diskPages,
		NumReferringPtrs: numReferringPtrs,
	}
	m.slots[n] = g
	return g
}

// InsertGenerationAfter splices g into the age-ordered list immediately
// OLDER than younger; passing nil for younger inserts g at the youngest
// end.
func (m *Manager) InsertGenerationAfter(g *Generation, younger *Generation) {
	if younger == nil {
		g.Older = m.youngest
		g.Younger = nil
		if m.youngest != nil {
			m.youngest.Younger = g
		}
		m.youngest = g
		if m.oldest == nil {
			m.oldest = g
		}
		return
	}
	g.Older = younger.Older
	g.Younger = younger
	if younger.Older != nil {
		younger.Older.Younger = g
	} else {
		m.oldest = g
	}
	younger.Older = g
}

// unlinkFromAgeList removes g from the age-ordered list without touching
// any other bookkeeping.
func (m *Manager) unlinkFromAgeList(g *Generation) {
	if g.Younger != nil {
		g.Younger.Older = g.Older
	} else {
		m.youngest = g.Older
	}
	if g.Older != nil {
		g.Older.Younger = g.Younger
	} else {
		m.oldest = g.Younger
	}
	g.Younger, g.Older = nil, nil
}

// MarkGenerationCollectedOnce frees g's in-RAM pages, unlinks it from the
// age list, and marks every generation it copied data from (g's
// FromGenerations) as CollectedTwice, chaining them onto the global
// collected-twice list. Their disk pages stay reserved until the root that
// no longer reaches them is durably written.
func (m *Manager) MarkGenerationCollectedOnce(g *Generation) {
	for _, pid := range g.Pages {
		m.pm.FreePage(pid)
	}
	g.Pages = nil
	g.Status = CollectedOnce
	m.unlinkFromAgeList(g)

	for _, from := range g.FromGenerations {
		from.Status = CollectedTwice
		from.RemSet.Free(m.pool)
		from.CollectedTwiceNext = m.collectedTwiceHead
		m.collectedTwiceHead = from
	}
}

// FreeDiskPageFunc releases a disk page back to the I/O layer's freelist;
// the engine supplies this from the disk I/O layer so that gen does not
// need to import it.
type FreeDiskPageFunc func(pagestore.DiskPageNumber)

// MarkTwiceCollectedGenerationsNonexistent frees the disk pages of every
// generation on the collected-twice list and retires its slot. Call only
// once the root that no longer references those generations is durably
// written.
func (m *Manager) MarkTwiceCollectedGenerationsNonexistent(freeDiskPage FreeDiskPageFunc) {
	g := m.collectedTwiceHead
	for g != nil {
		next := g.CollectedTwiceNext
		for _, dpn := range g.DiskPages {
			freeDiskPage(dpn)
		}
		m.slots[g.Number] = nil
		g.Status = NonExistent
		g.DiskPages = nil
		g.CollectedTwiceNext = nil
		g = next
	}
	m.collectedTwiceHead = nil
}

// AgeOrder returns every generation from youngest to oldest, for recovery
// verification and diagnostics.
func (m *Manager) AgeOrder() []*Generation {
	var out []*Generation
	for g := m.youngest; g != nil; g = g.Older {
		out = append(out, g)
	}
	return out
}
