// Package cells implements the cell type catalog and the polymorphic
// operations (size, copy, equal, walk-refs) that every other package in
// Shades dispatches through. The catalog is a closed, compile-time-
// enumerable union, realized as a tagged variant (Type) plus a per-type
// FieldKind slice rather than a virtual interface, so dispatch stays a
// plain switch/index instead of a vtable call.
package cells

import "fmt"

// FieldKind classifies one word of a cell's fixed layout.
type FieldKind uint8

const (
	// WordField is opaque data, copied verbatim and never traversed.
	WordField FieldKind = iota
	// PtrField is a pointer-or-null; null is skipped by WalkRefs.
	PtrField
	// NonNullPtrField is a pointer that is never null.
	NonNullPtrField
	// TaggedField is a word.Word that may or may not carry a pointer tag;
	// WalkRefs only visits it when it does.
	TaggedField
)

// Type is a cell-type tag, stored in the high 8 bits of a cell's word 0.
// The low 24 bits of word 0 are free for per-type metadata (sizes, counts,
// prefix bits) and are never interpreted here.
type Type uint8

// ForwardingMarker is the reserved type tag the copying collector (package
// gen) writes into a cell's word 0 once it has been evacuated. No catalog
// entry may use this tag.
const ForwardingMarker Type = 0xFF

// Descriptor describes one cell type's fixed layout.
type Descriptor struct {
	Name string
	// Width is the number of words the cell occupies, including word 0.
	// It is ignored for a Variable descriptor, whose Fields[len(Fields)-1]
	// repeats for the remaining declared length of the cell (see fieldKind).
	Width int
	// Fields classifies each word after word 0 (the tag word itself is
	// never traversed).
	Fields []FieldKind
	// Variable marks a cell whose true word count is read from the low 24
	// bits of word 0 rather than from Width, used by the vector test cell.
	Variable bool
}

// Catalog is the set of registered cell Descriptors, indexed by Type.
type Catalog struct {
	entries map[Type]Descriptor
}

// NewCatalog returns an empty catalog. Use Register to populate it.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[Type]Descriptor)}
}

// Register adds a Descriptor for t. It panics on a duplicate or reserved
// tag — the catalog is meant to be built once at program start.
func (c *Catalog) Register(t Type, d Descriptor) {
	if t == ForwardingMarker {
		panic("cells: type tag 0xFF is reserved for forwarding markers")
	}
	if _, exists := c.entries[t]; exists {
		panic(fmt.Sprintf("cells: duplicate registration for type %d", t))
	}
	c.entries[t] = d
}

// Lookup returns the Descriptor for t, or false if t is not cataloged.
func (c *Catalog) Lookup(t Type) (Descriptor, bool) {
	d, ok := c.entries[t]
	return d, ok
}

// MustLookup is Lookup but panics if t is not cataloged; used on paths that
// have already validated the tag.
func (c *Catalog) MustLookup(t Type) Descriptor {
	d, ok := c.Lookup(t)
	if !ok {
		panic(fmt.Sprintf("cells: type tag %d not in catalog", t))
	}
	return d
}
