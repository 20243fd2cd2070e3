package cascade

import (
	"github.com/bricktally/bricktally-backend/internal/bom"
	"github.com/bricktally/bricktally-backend/internal/ownership"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// Direction states how a mutation propagates across the BOM graph. A
// user-initiated edit cascades either down into sub-components or up into
// parent assemblies, never both; every nested write the cascade itself makes
// carries DirectionNone, which is what terminates propagation on a depth-2
// forest.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionDown
	DirectionUp
)

// Recorder receives every committed quantity change so it can be forwarded
// to the remote store. The sync queue implements this; sessions without
// cloud sync pass nil.
type Recorder interface {
	Record(setNum, itemKey string, quantity int)
}

// Engine applies owned-quantity mutations and their structural consequences.
// It only touches the ownership store and the BOM index; it performs no I/O
// and runs synchronously, so a mutation is fully settled when a call
// returns.
type Engine struct {
	index    *bom.Index
	store    *ownership.Store
	recorder Recorder
	log      *logger.Logger
}

func NewEngine(index *bom.Index, store *ownership.Store, recorder Recorder, baseLog *logger.Logger) *Engine {
	return &Engine{
		index:    index,
		store:    store,
		recorder: recorder,
		log:      baseLog.With("component", "CascadeEngine"),
	}
}

// SetOwned handles a user edit to one component: it derives the cascade
// direction from the component's structural role and applies the mutation.
func (e *Engine) SetOwned(setNum, key string, next int) {
	dir := DirectionNone
	if entry, ok := e.index.Lookup(key); ok {
		if len(entry.Components) > 0 {
			dir = DirectionDown
		} else if len(entry.Parents) > 0 {
			dir = DirectionUp
		}
	}
	e.Apply(setNum, key, next, dir)
}

// Apply writes one owned quantity and, when direction says so, propagates
// the change to structurally related components. Keys outside the BOM index
// are plain leaves: the direct write happens, the cascade is a no-op.
func (e *Engine) Apply(setNum, key string, next int, direction Direction) {
	entry, known := e.index.Lookup(key)
	if known {
		next = clamp(next, 0, entry.QuantityRequired)
	} else if next < 0 {
		next = 0
	}

	prev := e.store.Get(setNum, key)
	if next != prev {
		e.store.Set(setNum, key, next)
		e.record(setNum, key, next)
	}

	if !known || direction == DirectionNone {
		return
	}
	switch direction {
	case DirectionDown:
		e.cascadeDown(setNum, entry, prev, next)
	case DirectionUp:
		e.cascadeUp(setNum, entry, next)
	}
}

// cascadeDown moves every sub-component proportionally to the change in
// complete assemblies: delta assemblies consume delta*perParent units of
// each child, clamped to what the BOM calls for.
func (e *Engine) cascadeDown(setNum string, parent *bom.Entry, prev, next int) {
	delta := next - prev
	if delta == 0 {
		return
	}
	for _, rel := range parent.Components {
		child, ok := e.index.Lookup(rel.Key)
		if !ok {
			continue
		}
		cur := e.store.Get(setNum, rel.Key)
		newChild := clamp(cur+delta*rel.PerParent, 0, child.QuantityRequired)
		e.Apply(setNum, rel.Key, newChild, DirectionNone)
	}
}

// cascadeUp recomputes every parent assembly from scratch: an assembly is
// complete only up to its scarcest sub-component. The full min-over-children
// recompute avoids drift from repeated partial updates.
func (e *Engine) cascadeUp(setNum string, child *bom.Entry, nextOwned int) {
	for _, prel := range child.Parents {
		parent, ok := e.index.Lookup(prel.Key)
		if !ok {
			continue
		}
		minComplete := parent.QuantityRequired
		for _, crel := range parent.Components {
			effective := e.store.Get(setNum, crel.Key)
			if crel.Key == child.Key {
				effective = nextOwned
			}
			supportable := effective / crel.PerParent
			if supportable < minComplete {
				minComplete = supportable
			}
		}
		newParent := clamp(minComplete, 0, parent.QuantityRequired)
		if newParent != e.store.Get(setNum, prel.Key) {
			e.Apply(setNum, prel.Key, newParent, DirectionNone)
		}
	}
}

// MarkAllComplete sets every known key to its required quantity in one bulk
// store write. The end state trivially satisfies the cascade invariants, so
// per-key cascade is bypassed. Only keys whose value actually changes are
// recorded, which makes a repeated call a no-op for the sync queue.
func (e *Engine) MarkAllComplete(setNum string) {
	e.bulkSet(setNum, func(entry *bom.Entry) int { return entry.QuantityRequired })
}

// MarkAllMissing resets every known key to 0, bypassing cascade the same way.
func (e *Engine) MarkAllMissing(setNum string) {
	e.bulkSet(setNum, func(entry *bom.Entry) int { return 0 })
}

func (e *Engine) bulkSet(setNum string, target func(entry *bom.Entry) int) {
	keys := e.index.Keys()
	values := make([]int, len(keys))
	var changedKeys []string
	var changedValues []int
	for i, key := range keys {
		entry, _ := e.index.Lookup(key)
		values[i] = target(entry)
		if e.store.Get(setNum, key) != values[i] {
			changedKeys = append(changedKeys, key)
			changedValues = append(changedValues, values[i])
		}
	}
	e.store.BulkSet(setNum, keys, values)
	for i, key := range changedKeys {
		e.record(setNum, key, changedValues[i])
	}
}

func (e *Engine) record(setNum, key string, quantity int) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(setNum, key, quantity)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
