package cells

import (
	"testing"

	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/word"
)

// fakeStore is a trivial in-memory Store for unit tests that don't need a
// real arena.
type fakeStore struct {
	words map[pagestore.Addr]word.Word
}

func newFakeStore() *fakeStore { return &fakeStore{words: map[pagestore.Addr]word.Word{}} }

func (f *fakeStore) Word(addr pagestore.Addr) word.Word      { return f.words[addr] }
func (f *fakeStore) SetWord(addr pagestore.Addr, w word.Word) { f.words[addr] = w }

func TestSizeFixedWidth(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	InitHeader(store, 0, TypePair, 0)
	n, err := Size(cat, store, 0)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 3 {
		t.Fatalf("TypePair width = %d, want 3", n)
	}
}

func TestSizeVariable(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	InitHeader(store, 0, TypeVector, 5)
	n, err := Size(cat, store, 0)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 5 {
		t.Fatalf("vector size = %d, want 5", n)
	}
}

func TestSizeUnknownType(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	store.SetWord(0, word.Word(uint32(99)<<24))
	if _, err := Size(cat, store, 0); err == nil {
		t.Fatal("expected error for uncataloged type")
	}
}

func TestCopyVerbatim(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	InitHeader(store, 0, TypePair, 0)
	store.SetWord(1, word.FromValue(0xBEEF))
	store.SetWord(2, word.Null)

	if err := Copy(cat, store, 0, 10); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	eq, err := Equal(cat, store, 0, 10)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if !eq {
		t.Fatal("copied cell should be structurally equal to source")
	}
	if store.Word(11) != word.FromValue(0xBEEF) {
		t.Fatal("copy did not preserve WORD field")
	}
}

func TestEqualIdentical(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	InitHeader(store, 0, TypeCons, 0)
	store.SetWord(1, word.Word(100))
	store.SetWord(2, word.Null)
	eq, err := Equal(cat, store, 0, 0)
	if err != nil || !eq {
		t.Fatalf("a cell must equal itself: eq=%v err=%v", eq, err)
	}
}

func TestEqualDifferentTypes(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	InitHeader(store, 0, TypePair, 0)
	store.SetWord(1, word.FromValue(1))
	store.SetWord(2, word.Null)
	InitHeader(store, 10, TypeCons, 0)
	store.SetWord(11, word.Null)
	store.SetWord(12, word.Null)
	eq, err := Equal(cat, store, 0, 10)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if eq {
		t.Fatal("cells of different types must not be equal")
	}
}

func TestWalkRefsSkipsNullAndWordFields(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	InitHeader(store, 0, TypeCons, 0)
	store.SetWord(1, word.Word(500)) // non-null ptr field
	store.SetWord(2, word.Null)      // null ptr field, skipped

	var visited []pagestore.Addr
	err := WalkRefs(cat, store, 0, func(fieldAddr pagestore.Addr, target word.Word) {
		visited = append(visited, fieldAddr)
	})
	if err != nil {
		t.Fatalf("WalkRefs: %v", err)
	}
	if len(visited) != 1 || visited[0] != 1 {
		t.Fatalf("expected exactly field 1 visited, got %v", visited)
	}
}

func TestWalkRefsTaggedField(t *testing.T) {
	cat := NewBuiltinCatalog()
	store := newFakeStore()
	cat.Register(Type(50), Descriptor{
		Name:   "tagged-holder",
		Width:  2,
		Fields: []FieldKind{TaggedField},
	})
	InitHeader(store, 0, Type(50), 0)
	store.SetWord(1, word.FromValue(42)) // tagged as value, not a pointer

	var visited int
	WalkRefs(cat, store, 0, func(fieldAddr pagestore.Addr, target word.Word) { visited++ })
	if visited != 0 {
		t.Fatalf("tagged value field must not be walked as a pointer, got %d visits", visited)
	}

	store.SetWord(1, word.Word(800)) // tagged as pointer
	WalkRefs(cat, store, 0, func(fieldAddr pagestore.Addr, target word.Word) { visited++ })
	if visited != 1 {
		t.Fatalf("tagged pointer field should be walked, got %d visits", visited)
	}
}

func TestForwardingMarkerRoundTrip(t *testing.T) {
	store := newFakeStore()
	InitHeader(store, 0, TypePair, 0)
	if IsForwarded(store, 0) {
		t.Fatal("fresh cell must not be forwarded")
	}
	MarkForwarded(store, 0, 999)
	if !IsForwarded(store, 0) {
		t.Fatal("expected forwarded marker")
	}
	if ForwardedAddr(store, 0) != 999 {
		t.Fatalf("ForwardedAddr = %d, want 999", ForwardedAddr(store, 0))
	}
}
