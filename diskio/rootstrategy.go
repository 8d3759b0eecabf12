package diskio

import (
	"fmt"

	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/rootlocate"
	"github.com/shades-db/shades/word"
)

// RootStrategy selects where the root block lives, a configuration-time
// choice between two storage strategies.
type RootStrategy interface {
	// WriteLocation returns the disk page WriteRoot should target for its
	// next write, given the current allocation strategy as a fallback for
	// the Optimized variant.
	WriteLocation(d *IO) (pagestore.DiskPageNumber, error)
	// Locate finds the most recent root on an existing database, for
	// package recovery to read on open.
	Locate(d *IO) (pagestore.DiskPageNumber, error)
}

// FixedRootStrategy always places the root at the last page of one
// designated file.
type FixedRootStrategy struct {
	File int
}

func (s FixedRootStrategy) WriteLocation(d *IO) (pagestore.DiskPageNumber, error) {
	last := d.table.PagesInFile(s.File) - 1
	if last < 0 {
		return 0, fmt.Errorf("diskio: fixed root file %d has no pages", s.File)
	}
	return pagestore.EncodeDiskPageNumber(uint8(s.File), uint32(last)), nil
}

func (s FixedRootStrategy) Locate(d *IO) (pagestore.DiskPageNumber, error) {
	return s.WriteLocation(d)
}

// OptimizedRootStrategy writes the root like any other page, at whatever
// free page the ordinary allocation strategy picks, and relies on package
// rootlocate to find it again on open.
type OptimizedRootStrategy struct{}

func (OptimizedRootStrategy) WriteLocation(d *IO) (pagestore.DiskPageNumber, error) {
	return d.strategy.Choose(d.table, d.load, d.reduceLoad)
}

func (OptimizedRootStrategy) Locate(d *IO) (pagestore.DiskPageNumber, error) {
	prober := &ioProber{d: d}
	c, ok, err := rootlocate.LocateBest(prober, d.table.NumFiles())
	if err != nil {
		return 0, fmt.Errorf("diskio: locate root: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("diskio: no root block found in any backing file")
	}
	return pagestore.EncodeDiskPageNumber(uint8(c.File), c.Page), nil
}

// ioProber adapts IO to rootlocate.Prober by reading each probed page
// through the scratch page below and classifying its magic cookie.
type ioProber struct {
	d *IO
}

func (p *ioProber) PagesInFile(file int) int { return p.d.table.PagesInFile(file) }

func (p *ioProber) Probe(file int, pageInFile uint32) (rootlocate.Kind, uint64, error) {
	buf := make([]byte, pagestore.WordsPerPage*4)
	future, err := p.d.mgr.ReadPage(file, pageInFile, buf)
	if err != nil {
		return rootlocate.Unused, 0, err
	}
	if err := future.Wait(); err != nil {
		return rootlocate.Unused, 0, err
	}
	words := make([]word.Word, pagestore.WordsPerPage)
	decodePageWords(buf, words)

	switch words[0] {
	case pagestore.UnusedPageMagic:
		return rootlocate.Unused, 0, nil
	case pagestore.DataPageMagic:
		return rootlocate.Data, 0, nil
	case pagestore.RootPageMagic:
		hi := uint32(words[pagestore.FirstCellOffset])
		lo := uint32(words[pagestore.FirstCellOffset+1])
		return rootlocate.Root, uint64(hi)<<32 | uint64(lo), nil
	default:
		// A foreign byte order is possible; byte-swap and recheck once.
		swapped := make([]word.Word, len(words))
		for i, w := range words {
			swapped[i] = word.Word(swap32(uint32(w)))
		}
		switch swapped[0] {
		case pagestore.DataPageMagic:
			return rootlocate.Data, 0, nil
		case pagestore.RootPageMagic:
			hi := uint32(swapped[pagestore.FirstCellOffset])
			lo := uint32(swapped[pagestore.FirstCellOffset+1])
			return rootlocate.Root, uint64(hi)<<32 | uint64(lo), nil
		}
		return rootlocate.Unused, 0, fmt.Errorf("diskio: page (file %d, page %d) has unrecognized magic cookie %#x", file, pageInFile, uint32(words[0]))
	}
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xFF | (v>>8)&0xFF00 | (v<<8)&0xFF0000 | (v<<24)&0xFF000000
}
