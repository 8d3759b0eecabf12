package cells

// Built-in test cell types: enough cell shapes to exercise the core end to
// end without any of the higher-level data structures built on top of it.
const (
	// TypeWordCell is [tag, WORD]: a single opaque payload word.
	TypeWordCell Type = 1
	// TypePair is [tag, WORD, PTR]: one opaque word plus one nullable
	// pointer.
	TypePair Type = 2
	// TypeCons is [tag, PTR, PTR]: a two-pointer cons cell, for building
	// small reference graphs (including cycles) in tests.
	TypeCons Type = 3
	// TypeVector is a variable-width cell: word 0's low 24 bits hold the
	// total word count, and every word after it is opaque payload.
	TypeVector Type = 4
)

// RegisterBuiltins populates cat with the built-in test cell catalog.
func RegisterBuiltins(cat *Catalog) {
	cat.Register(TypeWordCell, Descriptor{
		Name:   "word-cell",
		Width:  2,
		Fields: []FieldKind{WordField},
	})
	cat.Register(TypePair, Descriptor{
		Name:   "pair",
		Width:  3,
		Fields: []FieldKind{WordField, PtrField},
	})
	cat.Register(TypeCons, Descriptor{
		Name:   "cons",
		Width:  3,
		Fields: []FieldKind{PtrField, PtrField},
	})
	cat.Register(TypeVector, Descriptor{
		Name:     "vector",
		Variable: true,
		Fields:   []FieldKind{WordField},
	})
}

// NewBuiltinCatalog returns a Catalog pre-populated with RegisterBuiltins.
func NewBuiltinCatalog() *Catalog {
	cat := NewCatalog()
	RegisterBuiltins(cat)
	return cat
}
