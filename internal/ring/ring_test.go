package ring

import (
	"testing"

	"github.com/ringhash/ringhashd/internal/backend"
)

func mustAdd(t *testing.T, r *Ring, k float64, b *backend.Backend) {
	t.Helper()
	if err := r.AddPrimary(k, b); err != nil {
		t.Fatalf("AddPrimary(%v): %v", k, err)
	}
}

func TestBasicRoutingWrapAndOrder(t *testing.T) {
	r := New(360)
	b0 := backend.New("h0", 1, 0, true)
	b180 := backend.New("h1", 1, 180, true)
	b270 := backend.New("h2", 1, 270, true)
	mustAdd(t, r, 0, b0)
	mustAdd(t, r, 180, b180)
	mustAdd(t, r, 270, b270)

	idx, err := r.OwnerIndex(12)
	if err != nil {
		t.Fatalf("OwnerIndex: %v", err)
	}
	if r.OwnerAt(idx) != b180 {
		t.Errorf("key 12 should own backend at 180, got %v", r.PositionAt(idx))
	}

	// Wrap case: 280 > 270 (the last position) wraps to index 0.
	idx, err = r.OwnerIndex(280)
	if err != nil {
		t.Fatalf("OwnerIndex: %v", err)
	}
	if idx != 0 || r.OwnerAt(idx) != b0 {
		t.Errorf("key 280 should wrap to backend at 0, got idx=%d", idx)
	}
}

func TestWalkVisitsEveryIndexOnce(t *testing.T) {
	r := New(360)
	for _, k := range []float64{0, 90, 180, 270} {
		mustAdd(t, r, k, backend.New("h", 1, k, true))
	}

	walk := r.Walk(2)
	seen := make(map[int]bool)
	for _, i := range walk {
		if seen[i] {
			t.Fatalf("index %d visited twice in walk %v", i, walk)
		}
		seen[i] = true
	}
	if len(seen) != r.Len() {
		t.Fatalf("walk visited %d indices, want %d", len(seen), r.Len())
	}
}

func TestAddPrimaryDuplicateKey(t *testing.T) {
	r := New(360)
	mustAdd(t, r, 5, backend.New("h", 1, 5, true))
	err := r.AddPrimary(5, backend.New("h2", 2, 5, true))
	if err == nil || err.Error() != "Key '5' already exists." {
		t.Fatalf("err = %v, want Key '5' already exists.", err)
	}
}

func TestAddPrimaryExceedsMax(t *testing.T) {
	r := New(360)
	err := r.AddPrimary(400, backend.New("h", 1, 400, true))
	if err == nil || err.Error() != "Key '400' exceedes maximum." {
		t.Fatalf("err = %v, want exceeds-maximum message", err)
	}
}

func TestRemovePrimaryDropsVirtuals(t *testing.T) {
	r := New(360)
	hot := backend.New("hot", 1, 180, true)
	donor := backend.New("donor", 2, 270, true)
	mustAdd(t, r, 180, hot)
	mustAdd(t, r, 270, donor)

	r.AddVirtual(90, donor)
	if r.PositionIndexOf(90) < 0 {
		t.Fatalf("virtual key 90 not present after AddVirtual")
	}

	if err := r.RemovePrimary(270); err != nil {
		t.Fatalf("RemovePrimary: %v", err)
	}
	if r.PositionIndexOf(90) >= 0 {
		t.Errorf("virtual key 90 should be removed along with its donor's primary (P4)")
	}
	if len(donor.VKeys) != 0 {
		t.Errorf("donor.VKeys should be cleared, got %v", donor.VKeys)
	}
}

func TestRoundTripAddRemovePreservesState(t *testing.T) {
	r := New(360)
	b := backend.New("h", 1, 42, true)

	before := append([]float64{}, r.Positions()...)
	mustAdd(t, r, 42, b)
	if err := r.RemovePrimary(42); err != nil {
		t.Fatalf("RemovePrimary: %v", err)
	}
	after := r.Positions()

	if len(before) != len(after) {
		t.Fatalf("positions changed after add+remove round trip: before=%v after=%v", before, after)
	}
	if len(b.VKeys) != 0 {
		t.Errorf("b.VKeys should remain empty, got %v", b.VKeys)
	}
}

func TestPositionsSortedAfterMutation(t *testing.T) {
	r := New(360)
	mustAdd(t, r, 270, backend.New("h", 1, 270, true))
	mustAdd(t, r, 0, backend.New("h", 1, 0, true))
	mustAdd(t, r, 180, backend.New("h", 1, 180, true))

	pos := r.Positions()
	for i := 1; i < len(pos); i++ {
		if pos[i-1] >= pos[i] {
			t.Fatalf("positions not strictly ascending: %v", pos)
		}
	}
}

func TestMoveOfflineOnlinePartition(t *testing.T) {
	r := New(360)
	mustAdd(t, r, 270, backend.New("h", 1, 270, true))

	r.MoveOffline(270)
	if r.PositionIndexOf(270) >= 0 {
		t.Errorf("270 should no longer be an eligible position")
	}
	found := false
	for _, h := range r.Offline() {
		if h == 270 {
			found = true
		}
	}
	if !found {
		t.Errorf("270 should be in offline")
	}

	r.MoveOnline(270)
	if r.PositionIndexOf(270) < 0 {
		t.Errorf("270 should be eligible again after MoveOnline")
	}
	for _, h := range r.Offline() {
		if h == 270 {
			t.Errorf("270 should no longer be in offline after MoveOnline")
		}
	}
}
