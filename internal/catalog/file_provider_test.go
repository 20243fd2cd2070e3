package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

func TestFileProviderSetInventory(t *testing.T) {
	dir := t.TempDir()
	doc := `set_num: "75192-1"
rows:
  - item_key: "3001|5"
    quantity_required: 4
  - item_key: "fig:sw0001"
    quantity_required: 1
  - item_key: "fig:sw0001|973|1"
    quantity_required: 1
    parent_key: "fig:sw0001"
    per_parent: 1
`
	if err := os.WriteFile(filepath.Join(dir, "75192-1.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	fp := NewFileProvider(dir, logger.NewNop())
	rows, err := fp.SetInventory(context.Background(), "75192-1")
	if err != nil {
		t.Fatalf("SetInventory: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].ItemKey != "3001|5" || rows[0].QuantityRequired != 4 {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if rows[2].ParentKey != "fig:sw0001" || rows[2].PerParent != 1 {
		t.Fatalf("row 2 = %+v", rows[2])
	}
}

func TestFileProviderErrors(t *testing.T) {
	fp := NewFileProvider(t.TempDir(), logger.NewNop())

	if _, err := fp.SetInventory(context.Background(), "missing-set"); err == nil {
		t.Fatal("missing file should error")
	}
	if _, err := fp.SetInventory(context.Background(), "../escape"); err == nil {
		t.Fatal("path traversal should be rejected")
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fp.SetInventory(cancelled, "any"); err == nil {
		t.Fatal("cancelled context should error")
	}
}
