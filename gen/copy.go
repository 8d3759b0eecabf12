package gen

import (
	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/remset"
	"github.com/shades-db/shades/word"
)

// PageWriter is called once a to-page fills up (or the collector finishes
// draining) so the I/O layer can schedule its write while the collector
// moves on to the next page.
type PageWriter func(g *Generation, p *pagestore.Page)

// Collector is the copying collector, shared by nursery promotion and
// mature-generation compaction: both drive the same copy/drain pair,
// differing only in which generations are marked BeingCollected/
// ToBeCollected and which refs seed the work stack.
//
// The traversal uses an explicit LIFO work stack rather than a Cheney-style
// breadth-first scan of to-space; per-type dispatch stays a single catalog
// lookup per cell either way, and the stack keeps the hot loop free of a
// second scan pointer.
type Collector struct {
	heap *Heap
	cat  *cells.Catalog
	pm   *pagestore.PageManager
	mgr  *Manager
	pool *remset.Pool

	onPageFull PageWriter

	stack  []Ref
	toPage *pagestore.Page
}

// NewCollector builds a Collector. stackHint presizes the work stack's
// backing array; sizing it to the nursery's word count up front avoids
// reallocation during the hot copying path (Go slices still grow past it
// if a mature-generation pass needs more).
func NewCollector(heap *Heap, cat *cells.Catalog, pm *pagestore.PageManager, mgr *Manager, pool *remset.Pool, onPageFull PageWriter, stackHint int) *Collector {
	return &Collector{
		heap:       heap,
		cat:        cat,
		pm:         pm,
		mgr:        mgr,
		pool:       pool,
		onPageFull: onPageFull,
		stack:      make([]Ref, 0, stackHint),
	}
}

// Seed pushes a root ref onto the work stack — a root-block pointer slot, a
// registered smart pointer, or (recursively, from pushChildren) a cell
// field already known to hold a live pointer.
func (c *Collector) Seed(r Ref) {
	c.stack = append(c.stack, r)
}

// Drain processes the work stack to empty.
func (c *Collector) Drain() error {
	for len(c.stack) > 0 {
		n := len(c.stack) - 1
		ref := c.stack[n]
		c.stack = c.stack[:n]
		if err := c.processRef(ref); err != nil {
			return err
		}
	}
	return nil
}

// Finish flushes the final, possibly-partial to-page through onPageFull.
// Call once after Drain returns with an empty stack.
func (c *Collector) Finish() {
	if c.toPage != nil && c.onPageFull != nil {
		c.onPageFull(c.mgr.ToGeneration(), c.toPage)
	}
	c.toPage = nil
}

// processRef inspects the word the ref currently holds and decides whether
// its target needs evacuating, remembering, or leaving alone.
func (c *Collector) processRef(ref Ref) error {
	target := ref.Get()
	if word.IsNull(target) || !word.IsPointer(target) {
		return nil
	}
	addr := pagestore.Addr(word.ToPointer(target))

	// A forwarded cell has already been evacuated this pass (possibly via a
	// different ref); only the referent pointer needs rewriting. This check
	// must come before any ownership test: a nursery cell shared by two
	// refs is forwarded by the first and must not be re-copied by the
	// second.
	if cells.IsForwarded(c.heap, addr) {
		ref.Set(word.FromPointer(uint32(cells.ForwardedAddr(c.heap, addr))))
		return nil
	}

	if c.heap.InNursery(addr) {
		newAddr, err := c.copyCell(addr)
		if err != nil {
			return err
		}
		ref.Set(word.FromPointer(uint32(newAddr)))
		return c.pushChildren(newAddr)
	}

	pid := addr.PageOf()
	g := c.mgr.Lookup(Number(c.pm.Owner(pid)))
	if g == nil {
		return nil
	}

	switch g.Status {
	case BeingCollected:
		newAddr, err := c.copyCell(addr)
		if err != nil {
			return err
		}
		ref.Set(word.FromPointer(uint32(newAddr)))
		return c.pushChildren(newAddr)
	case ToBeCollected:
		if a, ok := ref.Addr(); ok {
			g.RemSet.Prepend(c.pool, a)
		}
		return nil
	default: // Normal, CollectedOnce, CollectedTwice, NonExistent
		return nil
	}
}

// pushChildren walks the freshly-copied cell at addr and pushes a FieldRef
// for each non-null pointer field it finds.
func (c *Collector) pushChildren(addr pagestore.Addr) error {
	return cells.WalkRefs(c.cat, c.heap, addr, func(fieldAddr pagestore.Addr, target word.Word) {
		c.Seed(FieldRef(c.heap, fieldAddr))
	})
}

// copyCell relocates the cell at src into the current to-generation,
// starting a fresh to-page first if it doesn't fit, copies its words
// verbatim, and overwrites src with a forwarding marker.
func (c *Collector) copyCell(src pagestore.Addr) (pagestore.Addr, error) {
	n, err := cells.Size(c.cat, c.heap, src)
	if err != nil {
		return 0, err
	}
	if c.mgr.ToGeneration() == nil {
		if _, err := c.mgr.AllocateGeneration(); err != nil {
			return 0, err
		}
	}
	if c.toPage == nil || c.toPage.Capacity() < n {
		if err := c.startNewToPage(); err != nil {
			return 0, err
		}
	}
	off := c.toPage.Bump(n)
	dst := pagestore.AddrOf(c.toPage.ID(), off)
	if err := cells.Copy(c.cat, c.heap, src, dst); err != nil {
		return 0, err
	}
	cells.MarkForwarded(c.heap, src, dst)
	return dst, nil
}

// startNewToPage flushes the current to-page (if any) through onPageFull and
// allocates a fresh one owned by the to-generation.
func (c *Collector) startNewToPage() error {
	toGn := c.mgr.ToGeneration()
	if c.toPage != nil && c.onPageFull != nil {
		c.onPageFull(toGn, c.toPage)
	}
	p, err := c.pm.AllocatePage(pagestore.Generation(toGn.Number))
	if err != nil {
		return err
	}
	toGn.Pages = append(toGn.Pages, p.ID())
	c.toPage = p
	return nil
}
