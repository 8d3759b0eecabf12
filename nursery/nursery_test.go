package nursery

import (
	"testing"

	"github.com/shades-db/shades/pagestore"
	"github.com/shades-db/shades/word"
)

func TestAllocateBumpsDownward(t *testing.T) {
	n := New(64, 1000, false)
	if !n.CanAllocate(4) {
		t.Fatal("expected room for 4 words")
	}
	a1 := n.Allocate(4)
	a2 := n.Allocate(4)
	if a2 >= a1 {
		t.Fatalf("nursery must grow downward: a1=%d a2=%d", a1, a2)
	}
	if !n.Contains(a1) || !n.Contains(a2) {
		t.Fatal("allocated addresses must be inside the nursery")
	}
}

func TestCanAllocateFalseWhenExhausted(t *testing.T) {
	n := New(4, 0, false)
	if !n.CanAllocate(4) {
		t.Fatal("expected exactly-fitting allocation to be allowed")
	}
	n.Allocate(4)
	if n.CanAllocate(2) {
		t.Fatal("expected nursery to report exhaustion")
	}
}

func TestAllocationPointRollback(t *testing.T) {
	n := New(64, 0, false)
	cp := n.GetAllocationPoint()
	n.Allocate(4)
	n.Allocate(4)
	free := n.WordsFree()
	n.RestoreAllocationPoint(cp)
	if n.WordsFree() <= free {
		t.Fatalf("restore should free words: before=%d after=%d", free, n.WordsFree())
	}
	if n.WordsFree() != 64 {
		t.Fatalf("restore to initial checkpoint should free everything: got %d", n.WordsFree())
	}
}

func TestDebugRedZoneValidation(t *testing.T) {
	n := New(64, 0, true)
	n.SetWord(n.Allocate(4), word.FromValue(1))
	n.SetWord(n.Allocate(6), word.FromValue(2))
	if err := n.ValidateRedZones(); err != nil {
		t.Fatalf("expected valid red-zone chain: %v", err)
	}
}

func TestClearResetsPointer(t *testing.T) {
	n := New(16, 0, false)
	n.Allocate(4)
	n.Clear()
	if n.WordsFree() != 16 {
		t.Fatalf("expected full capacity after Clear, got %d", n.WordsFree())
	}
}

func TestStoreInterface(t *testing.T) {
	n := New(16, pagestore.Addr(100), false)
	a := n.Allocate(2)
	n.SetWord(a, word.FromValue(7))
	if got := word.ToValue(n.Word(a)); got != 7 {
		t.Fatalf("Word/SetWord mismatch: got %d", got)
	}
}
