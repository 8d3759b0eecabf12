package gen

import (
	"testing"

	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/nursery"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/remset"
	"github.com/shades-db/shades/word"
)

func TestMarkMajorGCGenerationsMarksFromYoungestUntilThreshold(t *testing.T) {
	pm, err := pagestore.NewPageManager(10)
	if err != nil {
		t.Fatalf("NewPageManager: %v", err)
	}
	mgr := NewManager(pm, cells.NewBuiltinCatalog(), remset.NewPool(4), 8)
	for i := 0; i < 6; i++ {
		if _, err := pm.AllocatePage(pagestore.NoGeneration); err != nil {
			t.Fatalf("AllocatePage: %v", err)
		}
	}
	// 9 free pages to start, minus 6 allocated above: 3 free.

	g1, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g1, nil)
	g1.Pages = []pagestore.PageID{1}

	g2, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g2, nil)
	g2.Pages = []pagestore.PageID{2}

	g3, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g3, nil)
	g3.Pages = []pagestore.PageID{3}

	mg := NewMajorGC(mgr, pm, MajorGCConfig{StartGCLimit: 5, MaxGCLimit: 10, MaxGCEffort: 100})

	if !mg.ShouldBegin() {
		t.Fatal("expected ShouldBegin() with free count 3 < start_gc_limit 5")
	}

	marked := mg.MarkMajorGCGenerations()
	if marked != 2 {
		t.Fatalf("MarkMajorGCGenerations() = %d, want 2", marked)
	}
	if g3.Status != ToBeCollected || g2.Status != ToBeCollected {
		t.Fatalf("youngest two generations should be marked: g3=%v g2=%v", g3.Status, g2.Status)
	}
	if g1.Status != Normal {
		t.Fatalf("oldest generation should remain Normal once the shortfall is covered, got %v", g1.Status)
	}
	if mg.boundary != g2 {
		t.Fatal("boundary should sit at the oldest marked generation")
	}
}

func TestMajorGCStepCollectsRunAndTransitionsToCollectedOnce(t *testing.T) {
	pm, err := pagestore.NewPageManager(8)
	if err != nil {
		t.Fatalf("NewPageManager: %v", err)
	}
	cat := cells.NewBuiltinCatalog()
	pool := remset.NewPool(4)
	mgr := NewManager(pm, cat, pool, 8)

	g1, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g1, nil)
	page1, err := pm.AllocatePage(pagestore.Generation(g1.Number))
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	g1.Pages = []pagestore.PageID{page1.ID()}
	off1 := page1.Bump(3)
	addr1 := pagestore.AddrOf(page1.ID(), off1)
	cells.InitHeader(pm.Arena(), addr1, cells.TypeCons, 0)
	pm.Arena().SetWord(addr1+1, word.Null)
	pm.Arena().SetWord(addr1+2, word.Null)
	g1.Status = ToBeCollected

	g2, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g2, nil)
	page2, err := pm.AllocatePage(pagestore.Generation(g2.Number))
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	g2.Pages = []pagestore.PageID{page2.ID()}
	off2 := page2.Bump(3)
	addr2 := pagestore.AddrOf(page2.ID(), off2)
	cells.InitHeader(pm.Arena(), addr2, cells.TypeCons, 0)
	pm.Arena().SetWord(addr2+1, word.Null)
	pm.Arena().SetWord(addr2+2, word.Null)
	g2.Status = ToBeCollected

	mg := NewMajorGC(mgr, pm, MajorGCConfig{
		StartGCLimit:                 4,
		MaxGCLimit:                   8,
		MaxGCEffort:                  100,
		RelativeMatureGenerationSize: 1,
	})
	mg.boundary = g1 // oldest of the two marked generations

	nurs := nursery.New(16, pagestore.Addr(pm.NumPages()*pagestore.WordsPerPage), false)
	heap := &Heap{Nursery: nurs, Arena: pm.Arena()}

	var rootSlot1, rootSlot2 word.Word = word.FromPointer(uint32(addr1)), word.FromPointer(uint32(addr2))
	roots := []Ref{
		ValueRef(func() word.Word { return rootSlot1 }, func(w word.Word) { rootSlot1 = w }),
		ValueRef(func() word.Word { return rootSlot2 }, func(w word.Word) { rootSlot2 = w }),
	}

	var written []*pagestore.Page
	c := NewCollector(heap, cat, pm, mgr, pool, func(g *Generation, p *pagestore.Page) {
		written = append(written, p)
	}, 16)

	// nurseryWords=2048 words / WordsPerPage(1024) * RelativeMatureGenerationSize(1) = 2 pages per step,
	// enough to collect both g1 and g2 in a single step.
	result, err := mg.Step(c, 2048, roots, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if result.MoreWork {
		t.Fatal("expected the single step to finish the whole run")
	}
	if len(result.From) != 2 {
		t.Fatalf("expected both generations collected in one step, got %d", len(result.From))
	}
	if g1.Status != CollectedOnce || g2.Status != CollectedOnce {
		t.Fatalf("source generations should be CollectedOnce: g1=%v g2=%v", g1.Status, g2.Status)
	}
	if pagestore.Addr(word.ToPointer(rootSlot1)) == addr1 {
		t.Fatal("root 1 should have been redirected to its promoted copy")
	}
	if pagestore.Addr(word.ToPointer(rootSlot2)) == addr2 {
		t.Fatal("root 2 should have been redirected to its promoted copy")
	}
	if len(result.ToGeneration.FromGenerations) != 2 {
		t.Fatalf("to-generation should record both sources, got %d", len(result.ToGeneration.FromGenerations))
	}
	if mg.boundary != nil {
		t.Fatal("boundary should be cleared once the marked run is fully processed")
	}
}
