// Package diskio implements page I/O, disk-page allocation strategies, and
// root-block persistence.
package diskio

import (
	"fmt"

	"github.com/shades-db/shades/pagestore"
)

// PageTable tracks every disk page's status across every backing file.
// Status transitions are driven by the higher layers via DeclareAllocated
// and FreeDiskPage, never inferred locally.
type PageTable struct {
	pagesPerFile []int
	status       [][]pagestore.DiskPageStatus
	freeCount    []int

	// roundRobinFile/roundRobinPage are the round-robin allocator's
	// cursors.
	roundRobinFile int
	roundRobinPage []int
}

// NewPageTable builds a table for numFiles backing files, each holding
// pagesPerFile[i] disk pages, all initially UNKNOWN (never written).
func NewPageTable(pagesPerFile []int) *PageTable {
	t := &PageTable{
		pagesPerFile:   append([]int(nil), pagesPerFile...),
		status:         make([][]pagestore.DiskPageStatus, len(pagesPerFile)),
		freeCount:      make([]int, len(pagesPerFile)),
		roundRobinPage: make([]int, len(pagesPerFile)),
	}
	for f, n := range pagesPerFile {
		t.status[f] = make([]pagestore.DiskPageStatus, n)
		for i := range t.status[f] {
			t.status[f][i] = pagestore.DiskPageUnknown
		}
		t.freeCount[f] = n
	}
	return t
}

// NumFiles returns how many backing files the table covers.
func (t *PageTable) NumFiles() int { return len(t.pagesPerFile) }

// PagesInFile returns file's page capacity.
func (t *PageTable) PagesInFile(file int) int { return t.pagesPerFile[file] }

// Status returns dpn's current status.
func (t *PageTable) Status(dpn pagestore.DiskPageNumber) pagestore.DiskPageStatus {
	return t.status[dpn.File()][dpn.PageInFile()]
}

// available reports whether a status counts toward freeCount: both FREE and
// UNKNOWN pages are fair game for a new allocation.
func available(s pagestore.DiskPageStatus) bool {
	return s == pagestore.DiskPageFree || s == pagestore.DiskPageUnknown
}

func (t *PageTable) setStatus(dpn pagestore.DiskPageNumber, s pagestore.DiskPageStatus) {
	f, p := dpn.File(), dpn.PageInFile()
	was, now := available(t.status[f][p]), available(s)
	switch {
	case was && !now:
		t.freeCount[f]--
	case !was && now:
		t.freeCount[f]++
	}
	t.status[f][p] = s
}

// MarkFree records that dpn is free, whatever it was before (used both by
// FreeDiskPage and during recovery's initial sweep).
func (t *PageTable) MarkFree(dpn pagestore.DiskPageNumber) {
	t.setStatus(dpn, pagestore.DiskPageFree)
}

// MarkUnknown records dpn as never-written (used by recovery to seed the
// table before replaying pinfo history, and by FormatFile to seed a brand
// new database).
func (t *PageTable) MarkUnknown(dpn pagestore.DiskPageNumber) {
	t.setStatus(dpn, pagestore.DiskPageUnknown)
}

// DeclareAllocated transitions dpn to ALLOCATED.
func (t *PageTable) DeclareAllocated(dpn pagestore.DiskPageNumber) {
	t.setStatus(dpn, pagestore.DiskPageAllocated)
}

// DeclareRoot transitions dpn to ROOT status.
func (t *PageTable) DeclareRoot(dpn pagestore.DiskPageNumber) {
	t.setStatus(dpn, pagestore.DiskPageRoot)
}

// FreeDiskPage transitions dpn back to FREE.
func (t *PageTable) FreeDiskPage(dpn pagestore.DiskPageNumber) {
	t.MarkFree(dpn)
}

// FreeCount returns how many allocatable (FREE or UNKNOWN) pages file
// currently has.
func (t *PageTable) FreeCount(file int) int { return t.freeCount[file] }

// nextRoundRobinCandidate advances the round-robin cursors past allocated or
// root pages, cycling through files then pages. It does not mutate status;
// the caller must call DeclareAllocated/DeclareRoot once it commits to the
// chosen page.
func (t *PageTable) nextRoundRobinCandidate() (pagestore.DiskPageNumber, error) {
	n := len(t.pagesPerFile)
	if n == 0 {
		return 0, fmt.Errorf("diskio: no backing files configured")
	}
	for attempts := 0; attempts < n; attempts++ {
		f := t.roundRobinFile
		t.roundRobinFile = (t.roundRobinFile + 1) % n
		pages := t.pagesPerFile[f]
		for i := 0; i < pages; i++ {
			p := t.roundRobinPage[f]
			t.roundRobinPage[f] = (t.roundRobinPage[f] + 1) % pages
			if t.status[f][p] == pagestore.DiskPageFree || t.status[f][p] == pagestore.DiskPageUnknown {
				return pagestore.EncodeDiskPageNumber(uint8(f), uint32(p)), nil
			}
		}
	}
	return 0, fmt.Errorf("diskio: no free disk page across %d files", n)
}

// bestLoadBalancedFile returns the file with the lowest load among those
// with at least 2 free pages, and every other file that had 2 or more free
// pages but lost out (for the caller to call ReduceFileLoad on).
func (t *PageTable) bestLoadBalancedFile(load func(file int) int64) (best int, losers []int, ok bool) {
	best = -1
	var bestLoad int64
	for f := range t.pagesPerFile {
		if t.freeCount[f] < 2 {
			continue
		}
		l := load(f)
		if best == -1 {
			best, bestLoad = f, l
			continue
		}
		if l < bestLoad {
			losers = append(losers, best)
			best, bestLoad = f, l
		} else {
			losers = append(losers, f)
		}
	}
	return best, losers, best != -1
}
