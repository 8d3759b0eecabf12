package gen

import (
	"testing"

	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/remset"
)

func newTestManager(t *testing.T, numPages, maxGenerations int) (*Manager, *pagestore.PageManager) {
	t.Helper()
	pm, err := pagestore.NewPageManager(numPages)
	if err != nil {
		t.Fatalf("NewPageManager: %v", err)
	}
	mgr := NewManager(pm, cells.NewBuiltinCatalog(), remset.NewPool(4), maxGenerations)
	return mgr, pm
}

func TestAllocateGenerationInstallsToGeneration(t *testing.T) {
	mgr, _ := newTestManager(t, 4, 2)
	g, err := mgr.AllocateGeneration()
	if err != nil {
		t.Fatalf("AllocateGeneration: %v", err)
	}
	if g.Status != Normal {
		t.Fatalf("fresh generation status = %v, want Normal", g.Status)
	}
	if mgr.ToGeneration() != g {
		t.Fatal("AllocateGeneration must install its result as the to-generation")
	}
}

func TestAllocateGenerationExhaustion(t *testing.T) {
	mgr, _ := newTestManager(t, 4, 1)
	if _, err := mgr.AllocateGeneration(); err != nil {
		t.Fatalf("first AllocateGeneration: %v", err)
	}
	if _, err := mgr.AllocateGeneration(); err == nil {
		t.Fatal("expected error once generation slots are exhausted")
	}
}

func TestInsertGenerationAfterOrdersAgeList(t *testing.T) {
	mgr, _ := newTestManager(t, 4, 4)
	g1, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g1, nil)
	g2, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g2, nil) // g2 is now youngest

	if mgr.Youngest() != g2 {
		t.Fatalf("Youngest() = %v, want g2", mgr.Youngest())
	}
	if mgr.Oldest() != g1 {
		t.Fatalf("Oldest() = %v, want g1", mgr.Oldest())
	}
	if g2.Older != g1 || g1.Younger != g2 {
		t.Fatal("age list links are inconsistent")
	}
}

func TestMarkGenerationCollectedOnceFreesPagesAndChainsSources(t *testing.T) {
	mgr, pm := newTestManager(t, 6, 4)
	src1, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(src1, nil)
	src2, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(src2, src1)

	p1, err := pm.AllocatePage(pagestore.Generation(src1.Number))
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	src1.Pages = append(src1.Pages, p1.ID())

	dst, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(dst, nil)
	dst.FromGenerations = []*Generation{src1, src2}

	freeBefore := pm.FreeCount()
	mgr.MarkGenerationCollectedOnce(dst)

	if dst.Status != CollectedOnce {
		t.Fatalf("dst.Status = %v, want CollectedOnce", dst.Status)
	}
	if src1.Status != CollectedTwice || src2.Status != CollectedTwice {
		t.Fatalf("from-generations not marked CollectedTwice: src1=%v src2=%v", src1.Status, src2.Status)
	}
	if pm.FreeCount() != freeBefore {
		t.Fatalf("MarkGenerationCollectedOnce(dst) must only free dst's own pages, not its sources'; free count changed from %d to %d", freeBefore, pm.FreeCount())
	}
	if mgr.Youngest() == dst || mgr.Oldest() == dst {
		t.Fatal("collected-once generation must be unlinked from the age list")
	}
}

func TestMarkTwiceCollectedGenerationsNonexistentFreesDiskPages(t *testing.T) {
	mgr, _ := newTestManager(t, 4, 4)
	src, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(src, nil)
	dst, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(dst, nil)
	dst.FromGenerations = []*Generation{src}
	srcDPN := pagestore.EncodeDiskPageNumber(0, 5)
	src.DiskPages = []pagestore.DiskPageNumber{srcDPN}

	mgr.MarkGenerationCollectedOnce(dst)

	var freed []pagestore.DiskPageNumber
	mgr.MarkTwiceCollectedGenerationsNonexistent(func(dpn pagestore.DiskPageNumber) {
		freed = append(freed, dpn)
	})

	if len(freed) != 1 || freed[0] != srcDPN {
		t.Fatalf("expected src's single disk page to be freed, got %v", freed)
	}
	if mgr.Lookup(src.Number) != nil {
		t.Fatal("src's generation slot should be cleared after MarkTwiceCollectedGenerationsNonexistent")
	}
}

func TestAgeOrderYoungestToOldest(t *testing.T) {
	mgr, _ := newTestManager(t, 4, 4)
	g1, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g1, nil)
	g2, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g2, nil)
	g3, _ := mgr.AllocateGeneration()
	mgr.InsertGenerationAfter(g3, nil)

	order := mgr.AgeOrder()
	if len(order) != 3 || order[0] != g3 || order[1] != g2 || order[2] != g1 {
		t.Fatalf("AgeOrder() = %v, want [g3 g2 g1]", order)
	}
}
