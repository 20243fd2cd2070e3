package syncqueue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bricktally/bricktally-backend/internal/localstore"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Entry is one pending ownership write awaiting upload. Entries are
// journaled to the local cache so a crash or restart loses nothing.
type Entry struct {
	ID             uint64    `json:"id"`
	ClientID       string    `json:"client_id"`
	SetNum         string    `json:"set_num"`
	ItemKey        string    `json:"item_key"`
	TargetQuantity int       `json:"target_quantity"`
	Op             string    `json:"op"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempts       int       `json:"attempts"`
}

// Queue is a durable FIFO of pending writes, keyed by the session's client
// id. Entry keys are fixed-width hex sequence numbers so the journal's
// lexicographic order is enqueue order.
type Queue struct {
	store   *localstore.Store
	session *Session
	log     *logger.Logger

	mu     sync.Mutex
	nextID uint64
}

func NewQueue(store *localstore.Store, session *Session, baseLog *logger.Logger) (*Queue, error) {
	q := &Queue{
		store:   store,
		session: session,
		log:     baseLog.With("component", "sync_queue", "client_id", session.ClientID),
	}
	// Resume the sequence counter past anything already journaled.
	var maxID uint64
	err := store.IteratePrefix(q.prefix(), func(key string, _ []byte) error {
		seq := key[len(q.prefix()):]
		id, perr := strconv.ParseUint(seq, 16, 64)
		if perr != nil {
			q.log.Warn("skipping malformed queue key", "key", key)
			return nil
		}
		if id > maxID {
			maxID = id
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sync queue: %w", err)
	}
	q.nextID = maxID + 1
	return q, nil
}

func (q *Queue) prefix() string {
	return "queue/" + q.session.ClientID + "/"
}

func (q *Queue) entryKey(id uint64) string {
	return fmt.Sprintf("%s%016x", q.prefix(), id)
}

func (q *Queue) Enqueue(setNum, itemKey string, quantity int, op string) error {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.mu.Unlock()
	entry := Entry{
		ID:             id,
		ClientID:       q.session.ClientID,
		SetNum:         setNum,
		ItemKey:        itemKey,
		TargetQuantity: quantity,
		Op:             op,
		EnqueuedAt:     time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := q.store.Set(q.entryKey(id), raw); err != nil {
		return fmt.Errorf("journal queue entry: %w", err)
	}
	return nil
}

// Record implements the cascade recorder. Changes made while cloud sync is
// off are local-only and never enqueued.
func (q *Queue) Record(setNum, itemKey string, quantity int) {
	if !q.session.CloudSync {
		return
	}
	if err := q.Enqueue(setNum, itemKey, quantity, OpUpsert); err != nil {
		q.log.Error("failed to enqueue ownership change", "set_num", setNum, "item_key", itemKey, "error", err)
	}
}

// Snapshot returns up to limit entries in enqueue order without removing
// them. Entries stay journaled until the flusher confirms the outcome.
func (q *Queue) Snapshot(limit int) ([]Entry, error) {
	var out []Entry
	err := q.store.IteratePrefix(q.prefix(), func(key string, val []byte) error {
		if limit > 0 && len(out) >= limit {
			return localstore.ErrStopIteration
		}
		var e Entry
		if uerr := json.Unmarshal(val, &e); uerr != nil {
			q.log.Warn("dropping undecodable queue entry", "key", key, "error", uerr)
			return nil
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot sync queue: %w", err)
	}
	return out, nil
}

func (q *Queue) Remove(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, q.entryKey(id))
	}
	if err := q.store.DeleteAll(keys); err != nil {
		return fmt.Errorf("remove queue entries: %w", err)
	}
	return nil
}

// IncrementAttempts rewrites the given entries with their attempt counter
// bumped, preserving position in the queue.
func (q *Queue) IncrementAttempts(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	kvs := make(map[string][]byte, len(entries))
	for _, e := range entries {
		e.Attempts++
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		kvs[q.entryKey(e.ID)] = raw
	}
	if err := q.store.SetAll(kvs); err != nil {
		return fmt.Errorf("rewrite queue entries: %w", err)
	}
	return nil
}

func (q *Queue) Len() (int, error) {
	n := 0
	err := q.store.IteratePrefix(q.prefix(), func(string, []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count sync queue: %w", err)
	}
	return n, nil
}
