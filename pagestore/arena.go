package pagestore

import (
	"fmt"

	"github.com/shades-db/shades/word"
)

// Addr is a word-address inside the combined arena+nursery address space: a
// Page's words occupy [id*WordsPerPage, (id+1)*WordsPerPage), and the
// nursery (package nursery) is mapped immediately after the last page, so
// that "is this address in the first generation" is a single range
// comparison even though the nursery's buffer is genuinely separate
// memory.
type Addr uint32

// PageOf returns the page number an Addr falls on. Only meaningful for
// addresses below the nursery's base, the first address past the last page.
func (a Addr) PageOf() PageID { return PageID(uint32(a) / WordsPerPage) }

// OffsetOf returns the page-relative word offset of an Addr.
func (a Addr) OffsetOf() int { return int(uint32(a) % WordsPerPage) }

// AddrOf builds the Addr for page id, word offset off.
func AddrOf(id PageID, off int) Addr {
	return Addr(uint32(id)*WordsPerPage + uint32(off))
}

// Arena is the page-aligned main-memory region holding every page the page
// manager has allocated. On platforms where the unix mmap backing
// (arena_unix.go) is unavailable, NewArena falls back to a plain slice —
// functionally identical, just not guaranteed page-aligned at the OS level.
type Arena struct {
	backing    []word.Word
	numPages   int
	unmap      func() error
}

// NewArena allocates room for numPages pages.
func NewArena(numPages int) (*Arena, error) {
	words := numPages * WordsPerPage
	backing, unmap, err := mmapWords(words)
	if err != nil {
		return nil, fmt.Errorf("pagestore: allocate arena: %w", err)
	}
	return &Arena{backing: backing, numPages: numPages, unmap: unmap}, nil
}

// Close releases the arena's backing memory.
func (a *Arena) Close() error {
	if a.unmap != nil {
		return a.unmap()
	}
	return nil
}

// NumPages returns the arena's page capacity.
func (a *Arena) NumPages() int { return a.numPages }

// Page returns a view of the words backing page id. The returned Page
// aliases the arena's memory directly; mutations are immediately visible to
// any other holder of the same PageID.
func (a *Arena) Page(id PageID) *Page {
	start := int(id) * WordsPerPage
	return &Page{id: id, words: a.backing[start : start+WordsPerPage : start+WordsPerPage]}
}

// Word reads the word at addr, wherever it lives in the arena.
func (a *Arena) Word(addr Addr) word.Word {
	return a.backing[addr]
}

// SetWord writes w at addr.
func (a *Arena) SetWord(addr Addr, w word.Word) {
	a.backing[addr] = w
}
