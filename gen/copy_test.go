package gen

import (
	"testing"

	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/nursery"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/remset"
	"github.com/shades-db/shades/word"
)

func newTestHeap(t *testing.T, numPages, nurseryWords int) (*Heap, *pagestore.PageManager) {
	t.Helper()
	pm, err := pagestore.NewPageManager(numPages)
	if err != nil {
		t.Fatalf("NewPageManager: %v", err)
	}
	base := pagestore.Addr(pm.NumPages() * pagestore.WordsPerPage)
	nurs := nursery.New(nurseryWords, base, false)
	return &Heap{Nursery: nurs, Arena: pm.Arena()}, pm
}

func allocCons(t *testing.T, store cells.Store, addr pagestore.Addr, a, b word.Word) {
	t.Helper()
	cells.InitHeader(store, addr, cells.TypeCons, 0)
	store.SetWord(addr+1, a)
	store.SetWord(addr+2, b)
}

func TestCopyPromotesNurseryGraphToMatureGeneration(t *testing.T) {
	heap, pm := newTestHeap(t, 4, 20)
	cat := cells.NewBuiltinCatalog()
	pool := remset.NewPool(2)
	mgr := NewManager(pm, cat, pool, 4)

	addrB := heap.Nursery.RawAllocate(3)
	allocCons(t, heap.Nursery, addrB, word.Null, word.Null)

	addrA := heap.Nursery.RawAllocate(3)
	allocCons(t, heap.Nursery, addrA, word.FromPointer(uint32(addrB)), word.Null)

	rootSlot := word.FromPointer(uint32(addrA))
	root := ValueRef(func() word.Word { return rootSlot }, func(w word.Word) { rootSlot = w })

	var written []*pagestore.Page
	c := NewCollector(heap, cat, pm, mgr, pool, func(g *Generation, p *pagestore.Page) {
		written = append(written, p)
	}, 20)
	c.Seed(root)
	if err := c.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	c.Finish()

	newA := pagestore.Addr(word.ToPointer(rootSlot))
	if heap.InNursery(newA) {
		t.Fatal("root should point out of the nursery after promotion")
	}
	if cells.TypeOf(heap, newA) != cells.TypeCons {
		t.Fatalf("promoted cell lost its type tag")
	}
	fieldB := heap.Word(newA + 1)
	newB := pagestore.Addr(word.ToPointer(fieldB))
	if heap.InNursery(newB) {
		t.Fatal("field should have been redirected to the promoted copy, not left in the nursery")
	}
	if cells.TypeOf(heap, newB) != cells.TypeCons {
		t.Fatal("promoted child cell lost its type tag")
	}
	if cells.IsForwarded(heap, addrA) == false || cells.IsForwarded(heap, addrB) == false {
		t.Fatal("source nursery cells should carry forwarding markers after being copied")
	}
	if len(written) != 1 {
		t.Fatalf("expected exactly one to-page flushed, got %d", len(written))
	}
	if len(mgr.ToGeneration().Pages) != 1 {
		t.Fatalf("to-generation should own exactly one page, got %d", len(mgr.ToGeneration().Pages))
	}
}

func TestCopyHandlesCycles(t *testing.T) {
	heap, pm := newTestHeap(t, 4, 20)
	cat := cells.NewBuiltinCatalog()
	pool := remset.NewPool(2)
	mgr := NewManager(pm, cat, pool, 4)

	addrA := heap.Nursery.RawAllocate(3)
	addrB := heap.Nursery.RawAllocate(3)
	allocCons(t, heap.Nursery, addrA, word.FromPointer(uint32(addrB)), word.Null)
	allocCons(t, heap.Nursery, addrB, word.FromPointer(uint32(addrA)), word.Null)

	rootSlot := word.FromPointer(uint32(addrA))
	root := ValueRef(func() word.Word { return rootSlot }, func(w word.Word) { rootSlot = w })

	c := NewCollector(heap, cat, pm, mgr, pool, func(*Generation, *pagestore.Page) {}, 20)
	c.Seed(root)
	if err := c.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	newA := pagestore.Addr(word.ToPointer(rootSlot))
	fieldToB := heap.Word(newA + 1)
	newB := pagestore.Addr(word.ToPointer(fieldToB))
	fieldBackToA := heap.Word(newB + 1)
	if pagestore.Addr(word.ToPointer(fieldBackToA)) != newA {
		t.Fatal("cycle was not preserved through the copy (back-pointer should resolve to the same promoted cell)")
	}
}

func TestCopyRemembersPointerIntoToBeCollectedGeneration(t *testing.T) {
	heap, pm := newTestHeap(t, 4, 20)
	cat := cells.NewBuiltinCatalog()
	pool := remset.NewPool(2)
	mgr := NewManager(pm, cat, pool, 4)

	oldGen, err := mgr.AllocateGeneration()
	if err != nil {
		t.Fatalf("AllocateGeneration: %v", err)
	}
	mgr.InsertGenerationAfter(oldGen, nil)
	page, err := pm.AllocatePage(pagestore.Generation(oldGen.Number))
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	oldGen.Pages = append(oldGen.Pages, page.ID())
	off := page.Bump(3)
	oldCellAddr := pagestore.AddrOf(page.ID(), off)
	allocCons(t, pm.Arena(), oldCellAddr, word.Null, word.Null)
	oldGen.Status = ToBeCollected

	// A fresh to-generation for any *new* promotions this pass performs.
	if _, err := mgr.AllocateGeneration(); err != nil {
		t.Fatalf("AllocateGeneration (to-gen): %v", err)
	}

	nurseryAddr := heap.Nursery.RawAllocate(3)
	allocCons(t, heap.Nursery, nurseryAddr, word.FromPointer(uint32(oldCellAddr)), word.Null)

	rootSlot := word.FromPointer(uint32(nurseryAddr))
	root := ValueRef(func() word.Word { return rootSlot }, func(w word.Word) { rootSlot = w })

	c := NewCollector(heap, cat, pm, mgr, pool, func(*Generation, *pagestore.Page) {}, 20)
	c.Seed(root)
	if err := c.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if oldGen.RemSet.Len() != 1 {
		t.Fatalf("oldGen.RemSet.Len() = %d, want 1", oldGen.RemSet.Len())
	}
	if cells.IsForwarded(pm.Arena(), oldCellAddr) {
		t.Fatal("a cell in a TO_BE_COLLECTED generation must not be copied until it is BEING_COLLECTED")
	}
	var recordedAddr pagestore.Addr
	oldGen.RemSet.Each(func(a pagestore.Addr) { recordedAddr = a })
	if got := heap.Word(recordedAddr); pagestore.Addr(word.ToPointer(got)) != oldCellAddr {
		t.Fatalf("remembered slot does not hold a pointer to the old cell: %v", got)
	}
}
