package bom

import (
	"sort"

	"github.com/bricktally/bricktally-backend/internal/catalog"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// Relation links two structurally related components. On an assembly entry it
// points down at a sub-component; on a sub-component entry it points up at
// the assembly. PerParent is how many units one complete assembly consumes.
type Relation struct {
	Key       string
	PerParent int
}

// Entry is one component of an inventory view. Exactly one of the following
// holds: Components is non-empty (assembly), Parents is non-empty
// (sub-component), or both are empty (plain catalog part).
type Entry struct {
	Key              string
	QuantityRequired int
	Components       []Relation
	Parents          []Relation
}

// Index is the read-only in-memory view of a set's bill of materials.
// Built once per inventory view; lookups are O(1). The relation graph is a
// forest of depth at most 2: assemblies relate only to their direct
// sub-components.
type Index struct {
	entries map[string]*Entry
	keys    []string
}

// BuildIndex flattens catalog rows into an Index. Rows referencing a parent
// key that is not itself present are skipped with a warning, which preserves
// the depth invariant against partial catalog data.
func BuildIndex(rows []catalog.Row, log *logger.Logger) *Index {
	idx := &Index{entries: make(map[string]*Entry, len(rows))}

	for _, row := range rows {
		if row.ItemKey == "" {
			log.Warn("Skipping catalog row with empty item key")
			continue
		}
		if row.QuantityRequired < 0 {
			log.Warn("Skipping catalog row with negative required quantity", "item_key", row.ItemKey)
			continue
		}
		if _, dup := idx.entries[row.ItemKey]; dup {
			log.Warn("Skipping duplicate catalog row", "item_key", row.ItemKey)
			continue
		}
		idx.entries[row.ItemKey] = &Entry{
			Key:              row.ItemKey,
			QuantityRequired: row.QuantityRequired,
		}
	}

	for _, row := range rows {
		if row.ParentKey == "" {
			continue
		}
		child, ok := idx.entries[row.ItemKey]
		if !ok {
			continue
		}
		parent, ok := idx.entries[row.ParentKey]
		if !ok {
			log.Warn("Skipping relation with unknown parent", "item_key", row.ItemKey, "parent_key", row.ParentKey)
			continue
		}
		if row.PerParent <= 0 {
			log.Warn("Skipping relation with non-positive per-parent quantity", "item_key", row.ItemKey, "parent_key", row.ParentKey)
			continue
		}
		// Depth > 2 or parent-and-child double role would break the forest
		// invariant; drop the relation, keep the entries.
		if len(parent.Parents) > 0 {
			log.Warn("Skipping relation: declared parent is itself a sub-component", "item_key", row.ItemKey, "parent_key", row.ParentKey)
			continue
		}
		if len(child.Components) > 0 {
			log.Warn("Skipping relation: sub-component is itself an assembly", "item_key", row.ItemKey, "parent_key", row.ParentKey)
			continue
		}
		parent.Components = append(parent.Components, Relation{Key: child.Key, PerParent: row.PerParent})
		child.Parents = append(child.Parents, Relation{Key: parent.Key, PerParent: row.PerParent})
	}

	idx.keys = make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		idx.keys = append(idx.keys, k)
	}
	sort.Strings(idx.keys)

	return idx
}

func (idx *Index) Lookup(key string) (*Entry, bool) {
	e, ok := idx.entries[key]
	return e, ok
}

// Required returns the required quantity for a key. The second return is
// false for keys outside the index.
func (idx *Index) Required(key string) (int, bool) {
	e, ok := idx.entries[key]
	if !ok {
		return 0, false
	}
	return e.QuantityRequired, true
}

// Keys returns every known component key in a stable order.
func (idx *Index) Keys() []string {
	return idx.keys
}

func (idx *Index) Len() int {
	return len(idx.entries)
}
