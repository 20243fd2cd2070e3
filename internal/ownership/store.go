package ownership

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bricktally/bricktally-backend/internal/localstore"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// Requirements exposes the required quantity per component key. Satisfied by
// *bom.Index; kept as an interface so the store works with partial BOM data.
type Requirements interface {
	Required(key string) (int, bool)
}

const flushDelay = 500 * time.Millisecond

// Store is the local source of truth for owned quantities. Reads and writes
// hit an in-memory map; every mutation schedules a debounced write-behind to
// the durable local cache. A cache write failure is logged and otherwise
// ignored: the in-memory value stays authoritative for the process lifetime.
type Store struct {
	userID string
	cache  *localstore.Store
	reqs   Requirements
	log    *logger.Logger

	mu         sync.Mutex
	owned      map[string]map[string]int
	dirty      map[string]map[string]bool
	flushTimer *time.Timer
}

func NewStore(userID string, cache *localstore.Store, reqs Requirements, baseLog *logger.Logger) *Store {
	return &Store{
		userID: userID,
		cache:  cache,
		reqs:   reqs,
		log:    baseLog.With("component", "OwnershipStore"),
		owned:  make(map[string]map[string]int),
		dirty:  make(map[string]map[string]bool),
	}
}

// Load hydrates one set context from the durable cache.
func (s *Store) Load(setNum string) error {
	if s.cache == nil {
		return nil
	}
	prefix := s.cacheKeyPrefix(setNum)
	loaded := make(map[string]int)
	err := s.cache.IteratePrefix(prefix, func(key string, val []byte) error {
		itemKey := strings.TrimPrefix(key, prefix)
		qty, convErr := strconv.Atoi(string(val))
		if convErr != nil {
			s.log.Warn("Discarding unparseable cached quantity", "key", key, "value", string(val))
			return nil
		}
		loaded[itemKey] = qty
		return nil
	})
	if err != nil {
		return fmt.Errorf("load set %s from cache: %w", setNum, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucketLocked(setNum)
	for k, v := range loaded {
		bucket[k] = v
	}
	return nil
}

// Get returns the owned quantity for a key, 0 for unknown keys.
func (s *Store) Get(setNum, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned[setNum][key]
}

// Set writes one owned quantity. The value is clamped to
// [0, quantityRequired] when the key is covered by the attached
// requirements; otherwise it is accepted as-is and clamping is the cascade
// engine's job.
func (s *Store) Set(setNum, key string, value int) {
	if s.reqs != nil {
		if required, ok := s.reqs.Required(key); ok {
			value = clamp(value, 0, required)
		}
	}

	s.mu.Lock()
	s.bucketLocked(setNum)[key] = value
	s.markDirtyLocked(setNum, key)
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// BulkSet writes many quantities in one pass, scheduling a single flush.
// keys and values must be the same length.
func (s *Store) BulkSet(setNum string, keys []string, values []int) {
	if len(keys) != len(values) {
		s.log.Error("BulkSet called with mismatched slices", "keys", len(keys), "values", len(values))
		return
	}
	s.mu.Lock()
	bucket := s.bucketLocked(setNum)
	for i, key := range keys {
		value := values[i]
		if s.reqs != nil {
			if required, ok := s.reqs.Required(key); ok {
				value = clamp(value, 0, required)
			}
		}
		bucket[key] = value
		s.markDirtyLocked(setNum, key)
	}
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// ClearAll resets every known key in the set context to 0. Only used during
// an explicit reconciliation overwrite.
func (s *Store) ClearAll(setNum string) {
	s.mu.Lock()
	bucket := s.bucketLocked(setNum)
	for key := range bucket {
		bucket[key] = 0
		s.markDirtyLocked(setNum, key)
	}
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// Snapshot returns a copy of every tracked quantity for the set context,
// zero values included.
func (s *Store) Snapshot(setNum string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.owned[setNum]))
	for k, v := range s.owned[setNum] {
		out[k] = v
	}
	return out
}

// Flush writes all dirty entries to the durable cache immediately. Called by
// the debounce timer, on shutdown, and by tests.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if s.cache == nil || len(s.dirty) == 0 {
		s.dirty = make(map[string]map[string]bool)
		s.mu.Unlock()
		return
	}
	kvs := make(map[string][]byte)
	for setNum, keys := range s.dirty {
		for key := range keys {
			kvs[s.cacheKeyPrefix(setNum)+key] = []byte(strconv.Itoa(s.owned[setNum][key]))
		}
	}
	s.dirty = make(map[string]map[string]bool)
	s.mu.Unlock()

	if err := s.cache.SetAll(kvs); err != nil {
		s.log.Warn("Ownership cache flush failed", "entries", len(kvs), "error", err)
	}
}

func (s *Store) bucketLocked(setNum string) map[string]int {
	bucket, ok := s.owned[setNum]
	if !ok {
		bucket = make(map[string]int)
		s.owned[setNum] = bucket
	}
	return bucket
}

func (s *Store) markDirtyLocked(setNum, key string) {
	keys, ok := s.dirty[setNum]
	if !ok {
		keys = make(map[string]bool)
		s.dirty[setNum] = keys
	}
	keys[key] = true
}

func (s *Store) scheduleFlushLocked() {
	if s.cache == nil || s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(flushDelay, s.Flush)
}

func (s *Store) cacheKeyPrefix(setNum string) string {
	return "own/" + s.userID + "/" + setNum + "/"
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
