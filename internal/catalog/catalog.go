package catalog

import (
	"context"
)

// Row is one flattened line of a set's bill of materials, as delivered by the
// catalog provider. Rows describing a sub-component of a composite assembly
// (a minifigure part, for example) carry the assembly's key in ParentKey and
// how many units one assembly consumes in PerParent.
type Row struct {
	ItemKey          string `yaml:"item_key" json:"item_key"`
	QuantityRequired int    `yaml:"quantity_required" json:"quantity_required"`
	ParentKey        string `yaml:"parent_key,omitempty" json:"parent_key,omitempty"`
	PerParent        int    `yaml:"per_parent,omitempty" json:"per_parent,omitempty"`
}

// Provider supplies the flattened bill of materials for a set. Read-only;
// catalog acquisition and part-identity resolution live outside this system.
type Provider interface {
	SetInventory(ctx context.Context, setNum string) ([]Row, error)
}
