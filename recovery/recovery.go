// Package recovery implements the recovery engine: locate the newest
// durable root block, reallocate every page its pinfo history still
// reaches onto the exact in-RAM page IDs it held before the crash, rebuild
// remembered sets with a non-moving replay of the copying collector's
// field walk, and hand back a page manager and generation manager ready to
// resume as if a commit had just finished.
//
// Fatal conditions (no root found, a corrupt pinfo entry) are wrapped with
// github.com/pkg/errors so the failure carries a stack trace; recovery is
// the one path where a bare error string is least acceptable.
package recovery

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/shades-db/shades/cells"
	"github.com/shades-db/shades/diskio"
	"github.com/shades-db/shades/gen"
	"github.com/shades-db/shades/nursery"
	"github.com/shades-db/shades/oid"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/remset"
	"github.com/shades-db/shades/word"
)

// Dependencies are the already-constructed, not-yet-populated pieces
// recovery wires together. The caller (package engine's Open) owns their
// lifetimes; recovery only mutates their contents.
type Dependencies struct {
	IO      *diskio.IO
	PM      *pagestore.PageManager
	Cat     *cells.Catalog
	GenMgr  *gen.Manager
	Pool    *remset.Pool
	Nursery *nursery.Nursery
	OID     *oid.Map
}

// Result reports what recovery found, for package engine to fold into its
// own commit-sequencing state.
type Result struct {
	Root                          *diskio.RootBlock
	RootDiskPage                  pagestore.DiskPageNumber
	MajorGCWasStartedAtLastCommit bool
}

// Recover runs the full recovery algorithm and leaves every Dependencies
// field ready for the mutator to resume normal
// operation: the page manager's freelist covers every unclaimed page, the
// disk page table reflects every claimed page as ALLOCATED (and the root
// page as ROOT), the generation manager's age list and remembered sets are
// rebuilt, the OID allocator's bookkeeping is restored, and the nursery is
// empty.
func Recover(deps Dependencies) (*Result, error) {
	dpn, err := deps.IO.LocateRoot()
	if err != nil {
		return nil, errors.Wrap(err, "recovery: locate root block")
	}

	scratch := deps.PM.Page(pagestore.InvalidPageID)
	rb, err := deps.IO.ReadRoot(dpn, scratch)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: read root block")
	}
	deps.IO.Table().DeclareRoot(dpn)

	deps.PM.SetRecoveryMode(true)

	installed := make(map[gen.Number]bool)
	isCollected := make(map[gen.Number]bool)
	var ageOrder []gen.Number
	var collected []gen.Number

	install := func(n gen.Number, pages []pagestore.PageID, diskPages []pagestore.DiskPageNumber, numReferringPtrs int32, numFromGenerations int32) error {
		// The youngest generation is installed before its pinfo entry is
		// seen, so the collected check runs even for an installed number.
		if numFromGenerations > 0 && !isCollected[n] {
			isCollected[n] = true
			collected = append(collected, n)
		}
		if installed[n] {
			return nil
		}
		if err := readGenerationPages(deps, n, pages, diskPages); err != nil {
			return errors.Wrapf(err, "recovery: read pages for generation %d", n)
		}
		deps.GenMgr.RecoveryInstall(n, pages, diskPages, int(numReferringPtrs))
		installed[n] = true
		ageOrder = append(ageOrder, n)
		return nil
	}

	// The youngest generation is reconstructed directly from the root's
	// dedicated value slots, without needing the pinfo lists parsed first.
	youngestNum := gen.Number(rb.YoungestGenerationNumber)
	if err := install(youngestNum, rb.YoungestGenerationPageNumbers, rb.YoungestGenerationDiskPageNumbers,
		rb.YoungestGenerationNumberOfReferringPtrs, 0); err != nil {
		return nil, err
	}

	// Replay the Current, Prev, and PrevPrev pinfo lists, newest to
	// oldest. Each list's own entries are already newest-first (the commit
	// driver prepends), so a single forward pass over all three in order
	// visits every generation from newest to oldest.
	for _, list := range [][]diskio.Pinfo{rb.Current, rb.Prev, rb.PrevPrev} {
		for _, entry := range list {
			n := gen.Number(entry.GenerationNumber)
			if err := install(n, entry.Pages, entry.DiskPages, entry.NumReferringPtrs, entry.NumFromGenerations); err != nil {
				return nil, err
			}
		}
	}

	// Link the age list in the order just discovered: InsertGenerationAfter
	// places its first argument immediately OLDER than its second, so
	// chaining each newly-installed generation after the previous one
	// reproduces the original newest-to-oldest chain.
	var prev *gen.Generation
	for i, n := range ageOrder {
		g := deps.GenMgr.Lookup(n)
		if i == 0 {
			deps.GenMgr.InsertGenerationAfter(g, nil)
		} else {
			deps.GenMgr.InsertGenerationAfter(g, prev)
		}
		prev = g
	}

	// Rebuild remembered sets. Only pinfo entries describing a generation
	// that resulted from collecting others (NumFromGenerations > 0) need
	// this: a plain new generation's remembered-set contributions are
	// already implied by its own from-generations' pinfo (if any) rather
	// than by the new generation itself.
	heap := &gen.Heap{Nursery: deps.Nursery, Arena: deps.PM.Arena()}
	for _, n := range collected {
		g := deps.GenMgr.Lookup(n)
		if err := rebuildRemSet(deps, heap, g); err != nil {
			return nil, errors.Wrapf(err, "recovery: rebuild remembered sets for generation %d", n)
		}
	}

	// Sweep whatever was never claimed onto the in-RAM freelist. Disk
	// pages never explicitly marked ALLOCATED/ROOT above stay at whatever
	// PageTable.NewPageTable seeded them to (UNKNOWN), which the
	// allocation strategies already treat as free, so no second sweep
	// over the table is needed.
	deps.PM.ConstructPageFreelist()
	deps.PM.SetRecoveryMode(false)

	// Resume as if a commit had just finished.
	deps.Nursery.Clear()
	deps.OID.Restore(oid.State{
		OIDMax:              rb.OIDMax,
		OIDInUse:            rb.OIDInUse,
		OIDAllocationCursor: rb.OIDAllocationCursor,
		OIDPrevRandom:       rb.OIDPrevRandom,
		Freelist:            rb.OIDFreelist,
	})

	return &Result{
		Root:                          rb,
		RootDiskPage:                  dpn,
		MajorGCWasStartedAtLastCommit: rb.MajorGCWasStartedAtLastCommit,
	}, nil
}

// readGenerationPages reallocates each of pages (onto its exact prior
// PageID, via PageManager.RecoveryAllocate) and reads its contents back
// from the matching entry of diskPages, marking each disk page ALLOCATED
// in the table as it is claimed.
func readGenerationPages(deps Dependencies, n gen.Number, pages []pagestore.PageID, diskPages []pagestore.DiskPageNumber) error {
	if len(pages) != len(diskPages) {
		return fmt.Errorf("page/disk-page count mismatch: %d vs %d", len(pages), len(diskPages))
	}
	owner := pagestore.Generation(n)
	for i, pid := range pages {
		p := deps.PM.RecoveryAllocate(pid, owner)
		if err := deps.IO.ReadPage(diskPages[i], p); err != nil {
			return errors.Wrapf(err, "read page %d from disk page %v", pid, diskPages[i])
		}
		deps.IO.Table().DeclareAllocated(diskPages[i])
	}
	return nil
}

// rebuildRemSet walks every cell on every page g owns and, for each
// pointer field that targets some OTHER already-reconstructed generation,
// prepends the field's address onto that target generation's remembered
// set — the non-moving recovery-mode variant of the copying collector's
// field walk: the data is already present at the target address, so only
// the graph is traversed, never moved. Fields pointing within g itself,
// into the nursery (always empty at this point), or into an
// unallocated/unowned page are skipped; none of those needs remembering.
func rebuildRemSet(deps Dependencies, heap *gen.Heap, g *gen.Generation) error {
	for _, pid := range g.Pages {
		p := deps.PM.Page(pid)
		off := pagestore.FirstCellOffset
		limit := p.WordsInUse()
		for off < limit {
			addr := pagestore.AddrOf(pid, off)
			n, err := cells.Size(deps.Cat, heap, addr)
			if err != nil {
				return errors.Wrapf(err, "size cell at page %d offset %d", pid, off)
			}

			err = cells.WalkRefs(deps.Cat, heap, addr, func(fieldAddr pagestore.Addr, target word.Word) {
				if !word.IsPointer(target) {
					return
				}
				targetAddr := pagestore.Addr(word.ToPointer(target))
				targetPid := targetAddr.PageOf()
				if !deps.PM.IsAllocated(targetPid) {
					return
				}
				owner := deps.PM.Owner(targetPid)
				if owner == pagestore.NoGeneration {
					return
				}
				targetGen := deps.GenMgr.Lookup(gen.Number(owner))
				if targetGen == nil || targetGen == g {
					return
				}
				targetGen.RemSet.Prepend(deps.Pool, fieldAddr)
			})
			if err != nil {
				return errors.Wrapf(err, "walk refs of cell at page %d offset %d", pid, off)
			}
			off += n
		}
	}
	return nil
}
