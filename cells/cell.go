package cells

import (
	"fmt"

	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/word"
)

// Store is the minimal word-addressable memory a cell operation needs. Both
// pagestore.Arena and package nursery's Nursery satisfy it, so cells'
// operations work uniformly over mature-generation pages and first-
// generation (nursery) cells.
type Store interface {
	Word(addr pagestore.Addr) word.Word
	SetWord(addr pagestore.Addr, w word.Word)
}

// TypeTagBits is the width, in bits, of the type tag stored in the high
// bits of a cell's word 0.
const TypeTagBits = 8

// TypeOf reads the type tag out of a cell's word 0.
func TypeOf(store Store, addr pagestore.Addr) Type {
	w0 := store.Word(addr)
	return Type(uint32(w0) >> (32 - TypeTagBits))
}

// Metadata reads the low 24 bits of word 0 — per-type metadata such as a
// variable cell's word count.
func Metadata(store Store, addr pagestore.Addr) uint32 {
	return uint32(store.Word(addr)) & 0x00FFFFFF
}

// makeWord0 packs a type tag and metadata into a cell's word 0.
func makeWord0(t Type, meta uint32) word.Word {
	return word.Word(uint32(t)<<(32-TypeTagBits) | (meta & 0x00FFFFFF))
}

// Size returns the number of words the cell at addr occupies, consulting
// the catalog for fixed-width types and the metadata field for variable
// ones.
func Size(cat *Catalog, store Store, addr pagestore.Addr) (int, error) {
	t := TypeOf(store, addr)
	d, ok := cat.Lookup(t)
	if !ok {
		return 0, fmt.Errorf("cells: size: type tag %d not in catalog", t)
	}
	if d.Variable {
		return int(Metadata(store, addr)), nil
	}
	return d.Width, nil
}

// WalkFunc is called by WalkRefs for each non-null pointer field
// encountered. fieldAddr is the address of the field itself (so callers —
// package gen's copier, package remset — can both read and rewrite it).
type WalkFunc func(fieldAddr pagestore.Addr, target word.Word)

// WalkRefs iterates every pointer-bearing field of the cell at addr,
// invoking visit for each non-null one. It does not recurse; callers drive
// their own traversal (package gen's drain loop).
func WalkRefs(cat *Catalog, store Store, addr pagestore.Addr, visit WalkFunc) error {
	t := TypeOf(store, addr)
	d, ok := cat.Lookup(t)
	if !ok {
		return fmt.Errorf("cells: walk_refs: type tag %d not in catalog", t)
	}
	n, err := Size(cat, store, addr)
	if err != nil {
		return err
	}
	fields := d.Fields
	for i := 1; i < n; i++ {
		fieldAddr := addr + pagestore.Addr(i)
		kind := fieldKind(fields, i-1)
		switch kind {
		case WordField:
			continue
		case PtrField:
			w := store.Word(fieldAddr)
			if !word.IsNull(w) {
				visit(fieldAddr, w)
			}
		case NonNullPtrField:
			visit(fieldAddr, store.Word(fieldAddr))
		case TaggedField:
			w := store.Word(fieldAddr)
			if word.IsPointer(w) && !word.IsNull(w) {
				visit(fieldAddr, w)
			}
		}
	}
	return nil
}

// fieldKind returns the FieldKind for logical field index i, repeating the
// descriptor's last entry for variable-width cells whose Fields slice only
// describes the fixed prefix (the vector test cell's entries are all
// WordField, so this only matters for future variable cell types with
// pointer tails).
func fieldKind(fields []FieldKind, i int) FieldKind {
	if len(fields) == 0 {
		return WordField
	}
	if i < len(fields) {
		return fields[i]
	}
	return fields[len(fields)-1]
}

// Copy allocates nothing itself; it copies the cell at src into the words
// starting at dst (the caller has already reserved Size(src) words there),
// verbatim, word for word.
func Copy(cat *Catalog, store Store, src, dst pagestore.Addr) error {
	n, err := Size(cat, store, src)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		store.SetWord(dst+pagestore.Addr(i), store.Word(src+pagestore.Addr(i)))
	}
	return nil
}

// Equal reports whether the cells at a and b are structurally equal:
// identical addresses are trivially equal; otherwise same type, byte-equal
// opaque fields, recursively-equal pointer fields, and tag-aware-equal
// tagged fields.
func Equal(cat *Catalog, store Store, a, b pagestore.Addr) (bool, error) {
	if a == b {
		return true, nil
	}
	ta, tb := TypeOf(store, a), TypeOf(store, b)
	if ta != tb {
		return false, nil
	}
	d, ok := cat.Lookup(ta)
	if !ok {
		return false, fmt.Errorf("cells: equal: type tag %d not in catalog", ta)
	}
	na, err := Size(cat, store, a)
	if err != nil {
		return false, err
	}
	nb, err := Size(cat, store, b)
	if err != nil {
		return false, err
	}
	if na != nb {
		return false, nil
	}
	for i := 1; i < na; i++ {
		kind := fieldKind(d.Fields, i-1)
		wa := store.Word(a + pagestore.Addr(i))
		wb := store.Word(b + pagestore.Addr(i))
		switch kind {
		case WordField:
			if wa != wb {
				return false, nil
			}
		case PtrField, NonNullPtrField:
			if word.IsNull(wa) != word.IsNull(wb) {
				return false, nil
			}
			if word.IsNull(wa) {
				continue
			}
			eq, err := Equal(cat, store, pagestore.Addr(word.ToPointer(wa)), pagestore.Addr(word.ToPointer(wb)))
			if err != nil || !eq {
				return false, err
			}
		case TaggedField:
			if word.IsPointer(wa) && word.IsPointer(wb) && !word.IsNull(wa) && !word.IsNull(wb) {
				eq, err := Equal(cat, store, pagestore.Addr(word.ToPointer(wa)), pagestore.Addr(word.ToPointer(wb)))
				if err != nil || !eq {
					return false, err
				}
			} else if wa != wb {
				return false, nil
			}
		}
	}
	return true, nil
}

// InitHeader writes a fresh word 0 for a new cell of type t at addr, with
// meta as the low-24-bit per-type metadata (0 for fixed-width types).
func InitHeader(store Store, addr pagestore.Addr, t Type, meta uint32) {
	store.SetWord(addr, makeWord0(t, meta))
}

// IsForwarded reports whether the cell at addr has already been evacuated
// by the copying collector.
func IsForwarded(store Store, addr pagestore.Addr) bool {
	return TypeOf(store, addr) == ForwardingMarker
}

// ForwardedAddr returns the address a forwarded cell's surviving copy now
// lives at. The caller must have checked IsForwarded first.
func ForwardedAddr(store Store, addr pagestore.Addr) pagestore.Addr {
	return pagestore.Addr(word.ToPointer(store.Word(addr + 1)))
}

// MarkForwarded overwrites the cell at addr with a forwarding marker
// pointing at newAddr, so shared references and cycles resolve to one
// surviving copy.
func MarkForwarded(store Store, addr, newAddr pagestore.Addr) {
	store.SetWord(addr, makeWord0(ForwardingMarker, 0))
	store.SetWord(addr+1, word.FromPointer(uint32(newAddr)))
}
