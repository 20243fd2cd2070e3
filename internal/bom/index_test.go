package bom

import (
	"testing"

	"github.com/bricktally/bricktally-backend/internal/catalog"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

func TestBuildIndexWiresRelations(t *testing.T) {
	rows := []catalog.Row{
		{ItemKey: "3001|5", QuantityRequired: 4},
		{ItemKey: "fig:sw0001", QuantityRequired: 2},
		{ItemKey: "fig:sw0001|973|1", QuantityRequired: 2, ParentKey: "fig:sw0001", PerParent: 1},
		{ItemKey: "fig:sw0001|3626|2", QuantityRequired: 4, ParentKey: "fig:sw0001", PerParent: 2},
	}
	idx := BuildIndex(rows, logger.NewNop())

	if idx.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", idx.Len())
	}
	fig, ok := idx.Lookup("fig:sw0001")
	if !ok {
		t.Fatal("assembly entry missing")
	}
	if len(fig.Components) != 2 {
		t.Fatalf("assembly has %d components, want 2", len(fig.Components))
	}
	torso, ok := idx.Lookup("fig:sw0001|973|1")
	if !ok || len(torso.Parents) != 1 {
		t.Fatalf("sub-component parents = %v, ok = %v", torso, ok)
	}
	if torso.Parents[0].Key != "fig:sw0001" || torso.Parents[0].PerParent != 1 {
		t.Fatalf("unexpected parent relation %+v", torso.Parents[0])
	}
	plain, _ := idx.Lookup("3001|5")
	if len(plain.Components) != 0 || len(plain.Parents) != 0 {
		t.Fatalf("plain part should have no relations: %+v", plain)
	}
}

func TestBuildIndexSkipsBadRows(t *testing.T) {
	tests := []struct {
		name     string
		rows     []catalog.Row
		wantLen  int
		wantRels func(*Index) bool
	}{
		{
			name: "empty key and negative quantity dropped",
			rows: []catalog.Row{
				{ItemKey: "", QuantityRequired: 1},
				{ItemKey: "a|1", QuantityRequired: -1},
				{ItemKey: "b|1", QuantityRequired: 1},
			},
			wantLen:  1,
			wantRels: func(*Index) bool { return true },
		},
		{
			name: "duplicate keeps first row",
			rows: []catalog.Row{
				{ItemKey: "a|1", QuantityRequired: 3},
				{ItemKey: "a|1", QuantityRequired: 9},
			},
			wantLen: 1,
			wantRels: func(idx *Index) bool {
				req, _ := idx.Required("a|1")
				return req == 3
			},
		},
		{
			name: "orphan parent relation dropped, entry kept",
			rows: []catalog.Row{
				{ItemKey: "child|1", QuantityRequired: 2, ParentKey: "ghost", PerParent: 1},
			},
			wantLen: 1,
			wantRels: func(idx *Index) bool {
				e, _ := idx.Lookup("child|1")
				return len(e.Parents) == 0
			},
		},
		{
			name: "non-positive per-parent dropped",
			rows: []catalog.Row{
				{ItemKey: "fig:x", QuantityRequired: 1},
				{ItemKey: "fig:x|1|1", QuantityRequired: 1, ParentKey: "fig:x", PerParent: 0},
			},
			wantLen: 2,
			wantRels: func(idx *Index) bool {
				e, _ := idx.Lookup("fig:x")
				return len(e.Components) == 0
			},
		},
		{
			name: "grandchild relation dropped to keep depth at two",
			rows: []catalog.Row{
				{ItemKey: "top", QuantityRequired: 1},
				{ItemKey: "mid", QuantityRequired: 1, ParentKey: "top", PerParent: 1},
				{ItemKey: "leaf", QuantityRequired: 1, ParentKey: "mid", PerParent: 1},
			},
			wantLen: 3,
			wantRels: func(idx *Index) bool {
				leaf, _ := idx.Lookup("leaf")
				mid, _ := idx.Lookup("mid")
				return len(leaf.Parents) == 0 && len(mid.Components) == 0 && len(mid.Parents) == 1
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			idx := BuildIndex(tc.rows, logger.NewNop())
			if idx.Len() != tc.wantLen {
				t.Fatalf("Len() = %d, want %d", idx.Len(), tc.wantLen)
			}
			if !tc.wantRels(idx) {
				t.Fatal("relation shape not as expected")
			}
		})
	}
}

func TestKeysStableOrder(t *testing.T) {
	rows := []catalog.Row{
		{ItemKey: "c", QuantityRequired: 1},
		{ItemKey: "a", QuantityRequired: 1},
		{ItemKey: "b", QuantityRequired: 1},
	}
	idx := BuildIndex(rows, logger.NewNop())
	keys := idx.Keys()
	want := []string{"a", "b", "c"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}
}
