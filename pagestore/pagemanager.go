package pagestore

import "fmt"

// Generation identifies a mature generation by number; package gen owns the
// actual Generation type, pagestore only needs an opaque identifier to
// track page ownership without importing gen (which imports pagestore).
type Generation int32

// NoGeneration marks a page as unowned (on the freelist).
const NoGeneration Generation = -1

// pageInfo is the per-page metadata tracked by the PageManager: owning
// generation, allocation flag, and freelist link.
type pageInfo struct {
	allocated bool
	owner     Generation
	nextFree  PageID // freelist link; meaningful only when !allocated
}

// PageManager owns the arena and the per-page metadata array plus the
// singly linked freelist of unallocated pages.
type PageManager struct {
	arena *Arena
	info  []pageInfo
	// freeHead is the head of the freelist; InvalidPageID when empty.
	freeHead PageID
	freeCount int
	// recoveryMode disables freelist bookkeeping: recovery allocates
	// pages at their recorded IDs, possibly more than once, and only
	// rebuilds the freelist in one sweep at the end.
	recoveryMode bool
}

// InvalidPageID is the sentinel "no page" value; page 0 is never handed out
// as an ordinary allocation because it would make word address 0 a valid
// pointer (see pagestore.Page doc).
const InvalidPageID PageID = 0

// NewPageManager creates a PageManager over a freshly allocated arena with
// numPages pages, with every page [1, numPages) on the freelist. Page 0 is
// reserved so word address 0 never aliases a valid pointer.
func NewPageManager(numPages int) (*PageManager, error) {
	arena, err := NewArena(numPages)
	if err != nil {
		return nil, err
	}
	pm := &PageManager{
		arena:    arena,
		info:     make([]pageInfo, numPages),
		freeHead: InvalidPageID,
	}
	for i := range pm.info {
		pm.info[i].owner = NoGeneration
	}
	pm.ConstructPageFreelist()
	return pm, nil
}

// Arena exposes the underlying word arena for direct page access.
func (pm *PageManager) Arena() *Arena { return pm.arena }

// NumPages returns the total number of pages managed.
func (pm *PageManager) NumPages() int { return len(pm.info) }

// FreeCount returns how many pages currently sit on the freelist.
func (pm *PageManager) FreeCount() int { return pm.freeCount }

// ConstructPageFreelist sweeps every currently-unallocated page (skipping
// page 0) onto the freelist, in ascending order. Called once at creation
// and again at the end of recovery.
func (pm *PageManager) ConstructPageFreelist() {
	pm.freeHead = InvalidPageID
	pm.freeCount = 0
	for i := len(pm.info) - 1; i >= 1; i-- {
		pid := PageID(i)
		if pm.info[pid].allocated {
			continue
		}
		pm.info[pid].nextFree = pm.freeHead
		pm.freeHead = pid
		pm.freeCount++
	}
}

// AllocatePage pops a page off the freelist, marks it allocated under
// owner, and returns a fresh data page. An empty freelist is fatal: the
// working set exceeds configured RAM.
func (pm *PageManager) AllocatePage(owner Generation) (*Page, error) {
	if pm.freeHead == InvalidPageID {
		return nil, fmt.Errorf("pagestore: out of main-memory pages")
	}
	pid := pm.freeHead
	pm.freeHead = pm.info[pid].nextFree
	pm.freeCount--
	pm.info[pid].allocated = true
	pm.info[pid].owner = owner

	p := pm.arena.Page(pid)
	p.Reset(pid)
	return p, nil
}

// RecoveryAllocate marks pid allocated under owner without touching the
// freelist, tolerating being called more than once for the same page. It
// does not reset page contents — recovery immediately overwrites them from
// disk.
func (pm *PageManager) RecoveryAllocate(pid PageID, owner Generation) *Page {
	pm.info[pid].allocated = true
	pm.info[pid].owner = owner
	return pm.arena.Page(pid)
}

// FreePage invalidates pid and returns it to the freelist (or, in recovery
// mode, only marks it free).
func (pm *PageManager) FreePage(pid PageID) {
	pm.info[pid].allocated = false
	pm.info[pid].owner = NoGeneration
	if pm.recoveryMode {
		return
	}
	pm.info[pid].nextFree = pm.freeHead
	pm.freeHead = pid
	pm.freeCount++
}

// SetRecoveryMode toggles the freelist-bypassing allocation path used while
// package recovery rebuilds generation state.
func (pm *PageManager) SetRecoveryMode(on bool) { pm.recoveryMode = on }

// Owner returns the generation that owns pid, or NoGeneration if free.
func (pm *PageManager) Owner(pid PageID) Generation { return pm.info[pid].owner }

// IsAllocated reports whether pid is currently owned by some generation.
func (pm *PageManager) IsAllocated(pid PageID) bool { return pm.info[pid].allocated }

// Page returns the page view for pid without allocating it.
func (pm *PageManager) Page(pid PageID) *Page { return pm.arena.Page(pid) }

// Close releases the backing arena.
func (pm *PageManager) Close() error { return pm.arena.Close() }
