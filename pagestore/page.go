// Package pagestore implements the in-RAM page manager: the page-aligned
// main-memory arena, per-page metadata, the free-page freelist, and the
// disk-page-number encoding used to locate a page's backing slot on disk.
package pagestore

import (
	"fmt"

	"github.com/shades-db/shades/word"
)

const (
	// WordsPerPage is fixed at build time; 1024 32-bit words is 4 KiB.
	WordsPerPage = 1024

	// DataPageMagic occupies word 0 of every data page.
	DataPageMagic word.Word = 0x4A6E3A61
	// RootPageMagic occupies word 0 of a page holding the root block.
	RootPageMagic word.Word = 0x50073A61
	// UnusedPageMagic occupies word 0 of a disk page never written.
	UnusedPageMagic word.Word = 0xDEAD1541

	// byte-swapped counterparts, used to detect a foreign byte order on
	// read.
	dataPageMagicSwapped word.Word = 0x613A6E4A
	rootPageMagicSwapped word.Word = 0x613A0750

	// wordCountOffset is word 1: count of words in use on the page.
	wordCountOffset = 1
	// firstCellOffset is where allocations begin; word 0 and 1 are
	// reserved so no valid pointer ever equals the all-zero Null word.
	firstCellOffset = 2
)

// PageID identifies an in-RAM page. Zero is never issued as a real page ID
// because word address 0 (page 0, word 0) must never be a valid non-null
// pointer target.
type PageID uint32

// Page is a fixed-size, word-addressed block backed by the arena. Word 0 is
// the magic cookie, word 1 the in-use word count, and allocation begins at
// word 2.
type Page struct {
	id    PageID
	words []word.Word // WordsPerPage words, a slice into the Arena
}

// Magic returns the page's leading magic cookie.
func (p *Page) Magic() word.Word { return p.words[0] }

// normalizeByteOrder swaps every word on the page if the magic cookie
// appears to have been written in a foreign byte order.
func (p *Page) normalizeByteOrder() {
	m := p.words[0]
	if m == dataPageMagicSwapped || m == rootPageMagicSwapped {
		for i := range p.words {
			p.words[i] = word.Word(swap32(uint32(p.words[i])))
		}
	}
}

func swap32(v uint32) uint32 {
	return (v>>24)&0xFF | (v>>8)&0xFF00 | (v<<8)&0xFF0000 | (v<<24)&0xFF000000
}

// WordsInUse returns the count recorded in word 1.
func (p *Page) WordsInUse() int { return int(word.ToValue(p.words[wordCountOffset])) }

// SetWordsInUse records the in-use word count in word 1.
func (p *Page) SetWordsInUse(n int) {
	p.words[wordCountOffset] = word.FromValue(int32(n))
}

// Reset reinitializes a page as a fresh, empty data page.
func (p *Page) Reset(id PageID) {
	p.id = id
	for i := range p.words {
		p.words[i] = word.Null
	}
	p.words[0] = DataPageMagic
	p.SetWordsInUse(firstCellOffset)
}

// ID returns the page's in-RAM identifier.
func (p *Page) ID() PageID { return p.id }

// Capacity returns how many words remain free on the page.
func (p *Page) Capacity() int {
	return WordsPerPage - p.WordsInUse()
}

// Bump reserves n words at the current in-use offset and returns the
// word-offset (relative to the page) at which they start. It does not check
// capacity; callers (package nursery, package gen) must do so first.
func (p *Page) Bump(n int) int {
	off := p.WordsInUse()
	p.SetWordsInUse(off + n)
	return off
}

// At returns the word at page-relative offset off.
func (p *Page) At(off int) word.Word { return p.words[off] }

// Set writes w at page-relative offset off.
func (p *Page) Set(off int, w word.Word) { p.words[off] = w }

// Slice returns the raw backing words, for bulk copy operations (package
// gen's copying collector, package diskio's page writer).
func (p *Page) Slice() []word.Word { return p.words }

// Validate checks that the page carries a recognized magic cookie,
// swapping byte order first if needed.
func (p *Page) Validate() error {
	p.normalizeByteOrder()
	switch p.words[0] {
	case DataPageMagic, RootPageMagic:
		return nil
	case UnusedPageMagic:
		return fmt.Errorf("pagestore: page %d was never written", p.id)
	default:
		return fmt.Errorf("pagestore: page %d has unrecognized magic cookie %#x", p.id, uint32(p.words[0]))
	}
}

// FirstCellOffset is the page-relative offset at which cell data begins.
const FirstCellOffset = firstCellOffset
