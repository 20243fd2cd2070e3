package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
	"github.com/bricktally/bricktally-backend/internal/pkg/httpx"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// fakeClock hands out tickers the test fires by hand.
type fakeClock struct {
	now  time.Time
	tick chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0), tick: make(chan time.Time, 1)}
}

func (c *fakeClock) Now() time.Time                 { return c.now }
func (c *fakeClock) NewTicker(time.Duration) Ticker { return fakeTicker{ch: c.tick} }
func (c *fakeClock) fire()                          { c.tick <- c.now }

type fakeTicker struct {
	ch chan time.Time
}

func (t fakeTicker) Chan() <-chan time.Time { return t.ch }
func (fakeTicker) Stop()                    {}

type fakeRemote struct {
	calls   [][]BatchOp
	results []*BatchResult
	errs    []error
}

func (r *fakeRemote) ApplyBatch(_ context.Context, ops []BatchOp) (*BatchResult, error) {
	r.calls = append(r.calls, ops)
	i := len(r.calls) - 1
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i < len(r.results) {
		return r.results[i], nil
	}
	return &BatchResult{Success: true, Processed: len(ops)}, nil
}

func (r *fakeRemote) FetchPage(context.Context, string, int, int) ([]RemoteRow, error) {
	return nil, nil
}

func newTestFlusher(t *testing.T, remote RemoteClient, cfg FlusherConfig) (*Flusher, *Queue) {
	t.Helper()
	store := newTestStore(t)
	q := newTestQueue(t, store, NewSession("u1", "client-a", true))
	return NewFlusher(q, remote, newFakeClock(), cfg, logger.NewNop()), q
}

func TestFlushOnceUploadsAndRemoves(t *testing.T) {
	remote := &fakeRemote{}
	flusher, q := newTestFlusher(t, remote, FlusherConfig{})
	for i := 0; i < 3; i++ {
		if err := q.Enqueue("set-1", fmt.Sprintf("k%d", i), i, OpUpsert); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := flusher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if len(remote.calls) != 1 || len(remote.calls[0]) != 3 {
		t.Fatalf("remote saw %v", remote.calls)
	}
	op := remote.calls[0][0]
	if op.Table != ownedItemTable || op.Operation != OpUpsert || op.Payload.ClientID != "client-a" {
		t.Fatalf("unexpected op %+v", op)
	}
	if op.Payload.OwnedQuantity == nil || *op.Payload.OwnedQuantity != 0 {
		t.Fatalf("quantity pointer = %v", op.Payload.OwnedQuantity)
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("queue still holds %d entries", n)
	}
}

func TestFlushOnceEmptyQueueNoCall(t *testing.T) {
	remote := &fakeRemote{}
	flusher, _ := newTestFlusher(t, remote, FlusherConfig{})
	if err := flusher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if len(remote.calls) != 0 {
		t.Fatal("empty queue still hit the remote")
	}
}

func TestFlushOnceBatchCap(t *testing.T) {
	remote := &fakeRemote{}
	flusher, q := newTestFlusher(t, remote, FlusherConfig{})
	for i := 0; i < DefaultBatchSize+5; i++ {
		if err := q.Enqueue("set-1", fmt.Sprintf("k%04d", i), 1, OpUpsert); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := flusher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if len(remote.calls[0]) != DefaultBatchSize {
		t.Fatalf("batch size = %d, want %d", len(remote.calls[0]), DefaultBatchSize)
	}
	if n, _ := q.Len(); n != 5 {
		t.Fatalf("remainder = %d, want 5", n)
	}
	// Next cycle drains the rest, oldest first.
	if err := flusher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("second FlushOnce: %v", err)
	}
	if remote.calls[1][0].Payload.ItemKey != fmt.Sprintf("k%04d", DefaultBatchSize) {
		t.Fatalf("second batch starts at %s", remote.calls[1][0].Payload.ItemKey)
	}
}

func TestFlushOncePerRowFailureRetriesThenDrops(t *testing.T) {
	maxAttempts := 3
	remote := &fakeRemote{}
	flusher, q := newTestFlusher(t, remote, FlusherConfig{MaxAttempts: maxAttempts})
	if err := q.Enqueue("set-1", "good", 1, OpUpsert); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("set-1", "bad", 1, OpUpsert); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	entries, _ := q.Snapshot(0)
	badID := int64(entries[1].ID)
	reject := func(ops []BatchOp) *BatchResult {
		res := &BatchResult{Success: false, Processed: len(ops)}
		for _, op := range ops {
			if op.ID == badID {
				res.Processed--
				res.Failed = append(res.Failed, BatchFailure{ID: op.ID, Error: "constraint violation"})
			}
		}
		return res
	}

	// First cycle: good row uploaded, bad row stays with a bumped counter.
	remote.results = []*BatchResult{reject(mustOps(t, q))}
	if err := flusher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	left, _ := q.Snapshot(0)
	if len(left) != 1 || left[0].ItemKey != "bad" || left[0].Attempts != 1 {
		t.Fatalf("after first cycle: %v", left)
	}

	// Keep rejecting until the cap; the entry is then dropped for good.
	for cycle := 1; cycle < maxAttempts; cycle++ {
		remote.results = append(remote.results, reject(mustOps(t, q)))
		if err := flusher.FlushOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("entry survived the attempt cap: %d left", n)
	}
}

func TestFlushOnceTransportErrorKeepsBatch(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "rate limited", err: &RateLimitError{RetryAfter: 10 * time.Second}},
		{name: "unauthorized", err: fmt.Errorf("%w: session expired", pkgerrors.ErrUnauthorized)},
		{name: "server error", err: httpx.StatusError(503, "unavailable")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remote := &fakeRemote{errs: []error{tc.err}}
			flusher, q := newTestFlusher(t, remote, FlusherConfig{})
			if err := q.Enqueue("set-1", "a|1", 1, OpUpsert); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if err := flusher.FlushOnce(context.Background()); err != nil {
				t.Fatalf("FlushOnce: %v", err)
			}
			entries, _ := q.Snapshot(0)
			if len(entries) != 1 || entries[0].Attempts != 0 {
				t.Fatalf("transport failure mutated queue: %v", entries)
			}
		})
	}
}

func TestFlushOnceInvalidBatchDropped(t *testing.T) {
	remote := &fakeRemote{errs: []error{fmt.Errorf("%w: bad payload", pkgerrors.ErrInvalidArgument)}}
	flusher, q := newTestFlusher(t, remote, FlusherConfig{})
	if err := q.Enqueue("set-1", "a|1", 1, OpUpsert); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := flusher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("FlushOnce: %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("invalid batch left %d entries queued", n)
	}
}

func TestStartDrainsOnTick(t *testing.T) {
	remote := &fakeRemote{}
	store := newTestStore(t)
	q := newTestQueue(t, store, NewSession("u1", "client-a", true))
	clock := newFakeClock()
	flusher := NewFlusher(q, remote, clock, FlusherConfig{}, logger.NewNop())
	if err := q.Enqueue("set-1", "a|1", 1, OpUpsert); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)

	clock.fire()
	deadline := time.After(2 * time.Second)
	for {
		if n, _ := q.Len(); n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue not drained after tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(remote.calls) != 1 {
		t.Fatalf("remote saw %d calls, want 1", len(remote.calls))
	}
}

func TestFlushOnceUnexpectedErrorSurfaces(t *testing.T) {
	wantErr := errors.New("marshaling exploded")
	remote := &fakeRemote{errs: []error{wantErr}}
	flusher, q := newTestFlusher(t, remote, FlusherConfig{})
	if err := q.Enqueue("set-1", "a|1", 1, OpUpsert); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := flusher.FlushOnce(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if n, _ := q.Len(); n != 1 {
		t.Fatalf("unexpected failure mutated queue: %d entries", n)
	}
}

func mustOps(t *testing.T, q *Queue) []BatchOp {
	t.Helper()
	entries, err := q.Snapshot(DefaultBatchSize)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	ops := make([]BatchOp, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, BatchOp{ID: int64(e.ID)})
	}
	return ops
}
