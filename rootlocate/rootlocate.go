// Package rootlocate implements the binary-search-with-probes root-block
// locator: given a backing file of fixed-size pages, find the page holding
// the most recently written root block without scanning every page. Root
// writes cycle round-robin, so timestamps along a file are piecewise
// monotone and the search converges in O(log P) page reads plus a small
// constant of outward probes.
//
// This package depends only on the small Prober interface below, not on
// package diskio, so package recovery can wire rootlocate against diskio's
// real page reader while keeping rootlocate itself free of any disk or
// asyncio dependency.
package rootlocate

import "fmt"

// Kind classifies what Probe found at a given page.
type Kind int

const (
	// Unused is a page whose magic cookie marks it never written
	// (pagestore.UnusedPageMagic).
	Unused Kind = iota
	// Data is an ordinary data page.
	Data
	// Root is a root block page, carrying a valid timestamp.
	Root
)

// Prober reads one page of one file and classifies it, returning its
// timestamp when it is a Root page (meaningless otherwise). Implemented by
// package diskio's IO type in production; tests fake it directly.
type Prober interface {
	PagesInFile(file int) int
	Probe(file int, pageInFile uint32) (Kind, uint64, error)
}

// Candidate is a located root page in one file.
type Candidate struct {
	File     int
	Page     uint32
	Timestamp uint64
}

// direction tracks which way the binary search's alternating probe walked
// last.
type direction int

const (
	left direction = iota
	right
)

// LocateFile runs the root-locate search over one file, returning the
// newest root candidate found, or ok=false if the file holds no usable
// root at all (e.g. freshly created, never committed).
func LocateFile(p Prober, file int) (Candidate, bool, error) {
	pages := p.PagesInFile(file)
	if pages == 0 {
		return Candidate{}, false, nil
	}

	// Step 1: find the first root-tagged or data page scanning forward
	// from 0; if an unused page comes first, the file has never been
	// committed to.
	leftPage := uint32(0)
	for {
		kind, _, err := p.Probe(file, leftPage)
		if err != nil {
			return Candidate{}, false, fmt.Errorf("rootlocate: probe file %d page %d: %w", file, leftPage, err)
		}
		if kind == Unused {
			return Candidate{}, false, nil
		}
		if kind == Root || kind == Data {
			break
		}
		leftPage++
		if leftPage >= uint32(pages) {
			return Candidate{}, false, nil
		}
	}

	leftTimestamp, hasLeft, err := timestampIfRoot(p, file, leftPage)
	if err != nil {
		return Candidate{}, false, err
	}

	rightPage := uint32(pages) - 1
	var rightTimestamp uint64
	hasRight := false

	dir := right
	for leftPage < rightPage {
		mid := leftPage + (rightPage-leftPage)/2
		kind, ts, err := p.Probe(file, mid)
		if err != nil {
			return Candidate{}, false, fmt.Errorf("rootlocate: probe file %d page %d: %w", file, mid, err)
		}

		done := false
		switch kind {
		case Root:
			if !hasLeft || ts > leftTimestamp {
				leftPage, leftTimestamp, hasLeft = mid, ts, true
			} else {
				rightPage, rightTimestamp, hasRight = mid, ts, true
			}
			dir = flip(dir)
			if leftPage >= rightPage {
				done = true
			}

		case Data:
			// A data page's outward probe either lands on a root (in which
			// case it IS the adjacent root, the best this search can do
			// without re-deriving a tighter bound) or exhausts the range
			// entirely; either way there is nothing left to narrow, so
			// this terminates the search.
			found, foundPage, foundTs, err := probeOutward(p, file, mid, leftPage, rightPage, dir)
			if err != nil {
				return Candidate{}, false, err
			}
			if found {
				if foundPage <= mid {
					leftPage, leftTimestamp, hasLeft = foundPage, foundTs, true
				} else {
					rightPage, rightTimestamp, hasRight = foundPage, foundTs, true
				}
			}
			done = true

		case Unused:
			// Unused pages bound the right edge: writes haven't extended
			// here yet.
			if mid == leftPage {
				done = true
				break
			}
			rightPage = mid - 1
			if leftPage >= rightPage {
				done = true
			}
		}

		if done {
			break
		}
	}

	switch {
	case hasLeft && hasRight:
		if rightTimestamp > leftTimestamp {
			return Candidate{File: file, Page: rightPage, Timestamp: rightTimestamp}, true, nil
		}
		return Candidate{File: file, Page: leftPage, Timestamp: leftTimestamp}, true, nil
	case hasLeft:
		return Candidate{File: file, Page: leftPage, Timestamp: leftTimestamp}, true, nil
	case hasRight:
		return Candidate{File: file, Page: rightPage, Timestamp: rightTimestamp}, true, nil
	default:
		return Candidate{}, false, nil
	}
}

func timestampIfRoot(p Prober, file int, page uint32) (uint64, bool, error) {
	kind, ts, err := p.Probe(file, page)
	if err != nil {
		return 0, false, fmt.Errorf("rootlocate: probe file %d page %d: %w", file, page, err)
	}
	return ts, kind == Root, nil
}

func flip(d direction) direction {
	if d == left {
		return right
	}
	return left
}

// probeOutward alternates stepping away from mid in the current direction
// first, then the other, one page at a time, until a root is found or both
// directions exhaust against [lo,hi].
func probeOutward(p Prober, file int, mid, lo, hi uint32, dir direction) (bool, uint32, uint64, error) {
	step := int64(1)
	primary, secondary := dir, flip(dir)
	for {
		primaryDone, secondaryDone := true, true

		if pg, ok := stepPage(mid, step, primary, lo, hi); ok {
			primaryDone = false
			kind, ts, err := p.Probe(file, pg)
			if err != nil {
				return false, 0, 0, fmt.Errorf("rootlocate: probe file %d page %d: %w", file, pg, err)
			}
			if kind == Root {
				return true, pg, ts, nil
			}
		}
		if pg, ok := stepPage(mid, step, secondary, lo, hi); ok {
			secondaryDone = false
			kind, ts, err := p.Probe(file, pg)
			if err != nil {
				return false, 0, 0, fmt.Errorf("rootlocate: probe file %d page %d: %w", file, pg, err)
			}
			if kind == Root {
				return true, pg, ts, nil
			}
		}
		if primaryDone && secondaryDone {
			return false, 0, 0, nil
		}
		step++
	}
}

func stepPage(mid uint32, step int64, dir direction, lo, hi uint32) (uint32, bool) {
	var target int64
	if dir == left {
		target = int64(mid) - step
	} else {
		target = int64(mid) + step
	}
	if target < int64(lo) || target > int64(hi) {
		return 0, false
	}
	return uint32(target), true
}

// LocateBest runs LocateFile over every file the prober knows about
// (0..numFiles-1) and returns the globally newest candidate.
func LocateBest(p Prober, numFiles int) (Candidate, bool, error) {
	var best Candidate
	found := false
	for f := 0; f < numFiles; f++ {
		c, ok, err := LocateFile(p, f)
		if err != nil {
			return Candidate{}, false, err
		}
		if !ok {
			continue
		}
		if !found || c.Timestamp > best.Timestamp {
			best, found = c, true
		}
	}
	return best, found, nil
}
