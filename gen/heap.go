package gen

import (
	"github.com/shades-db/shades/nursery"
	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/word"
)

// Heap is the combined nursery+page address space a single Addr type
// ranges over (see pagestore.Addr's doc comment). It satisfies
// cells.Store, dispatching each access to whichever backing store owns the
// address.
type Heap struct {
	Nursery *nursery.Nursery
	Arena   *pagestore.Arena
}

// Word implements cells.Store.
func (h *Heap) Word(addr pagestore.Addr) word.Word {
	if h.Nursery.Contains(addr) {
		return h.Nursery.Word(addr)
	}
	return h.Arena.Word(addr)
}

// SetWord implements cells.Store.
func (h *Heap) SetWord(addr pagestore.Addr, w word.Word) {
	if h.Nursery.Contains(addr) {
		h.Nursery.SetWord(addr, w)
		return
	}
	h.Arena.SetWord(addr, w)
}

// InNursery reports whether addr currently lives in the first generation.
func (h *Heap) InNursery(addr pagestore.Addr) bool { return h.Nursery.Contains(addr) }

// Ref is an indirect, gettable/settable pointer slot. Cell fields inside
// the heap and externally-held roots (the root block's pointer slots,
// "smart pointers") are both Refs, so the copying collector's work stack
// can hold either uniformly.
type Ref struct {
	get     func() word.Word
	set     func(word.Word)
	addr    pagestore.Addr
	hasAddr bool
}

// Get reads the current value of the slot.
func (r Ref) Get() word.Word { return r.get() }

// Set overwrites the slot's value — used to redirect a pointer at its
// cell's new, post-copy address.
func (r Ref) Set(w word.Word) { r.set(w) }

// Addr returns the heap address backing this ref and true, if it has one.
// Cell-field refs do; external root refs (root-block slots, smart pointers)
// don't, since remembered sets only ever need to record intra-heap
// referrers — roots are rescanned on every collection regardless.
func (r Ref) Addr() (pagestore.Addr, bool) { return r.addr, r.hasAddr }

// FieldRef builds a Ref over one word of heap memory at addr.
func FieldRef(h *Heap, addr pagestore.Addr) Ref {
	return Ref{
		get:     func() word.Word { return h.Word(addr) },
		set:     func(w word.Word) { h.SetWord(addr, w) },
		addr:    addr,
		hasAddr: true,
	}
}

// ValueRef builds a Ref over an external slot (a root-block field, a
// registered smart pointer) via plain getter/setter closures.
func ValueRef(get func() word.Word, set func(word.Word)) Ref {
	return Ref{get: get, set: set}
}
