package syncqueue

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
	"github.com/bricktally/bricktally-backend/internal/pkg/httpx"
	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

const (
	DefaultFlushInterval = 15 * time.Second
	DefaultBatchSize     = 100
	DefaultMaxAttempts   = 5

	ownedItemTable = "owned_item"
)

type FlusherConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Flusher drains the queue in the background: every tick it takes one
// FIFO batch and pushes it to the backend. Entries leave the journal only
// once their outcome is known — success, a permanently-rejected row, or
// the attempt cap.
type Flusher struct {
	queue       *Queue
	remote      RemoteClient
	clock       Clock
	interval    time.Duration
	batchSize   int
	maxAttempts int
	log         *logger.Logger
}

func NewFlusher(queue *Queue, remote RemoteClient, clock Clock, cfg FlusherConfig, baseLog *logger.Logger) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlushInterval
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > DefaultBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Flusher{
		queue:       queue,
		remote:      remote,
		clock:       clock,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		log:         baseLog.With("component", "sync_flusher"),
	}
}

// Start runs the flush loop until ctx is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	go func() {
		ticker := f.clock.NewTicker(f.interval)
		defer ticker.Stop()
		f.log.Info("sync flusher started", "interval", f.interval.String())
		for {
			select {
			case <-ctx.Done():
				f.log.Info("sync flusher stopped")
				return
			case <-ticker.Chan():
				if err := f.FlushOnce(ctx); err != nil {
					f.log.Warn("flush cycle failed", "error", err)
				}
			}
		}
	}()
}

// FlushOnce uploads a single batch. A transport-level failure leaves the
// batch journaled; per-row failures are retried on later cycles until the
// attempt cap, then dropped.
func (f *Flusher) FlushOnce(ctx context.Context) error {
	entries, err := f.queue.Snapshot(f.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ops := make([]BatchOp, 0, len(entries))
	byID := make(map[int64]Entry, len(entries))
	for _, e := range entries {
		qty := e.TargetQuantity
		op := BatchOp{
			ID:        int64(e.ID),
			Table:     ownedItemTable,
			Operation: e.Op,
			Payload: BatchPayload{
				SetNum:   e.SetNum,
				ItemKey:  e.ItemKey,
				ClientID: e.ClientID,
			},
		}
		if e.Op == OpUpsert {
			op.Payload.OwnedQuantity = &qty
		}
		ops = append(ops, op)
		byID[op.ID] = e
	}

	result, err := f.remote.ApplyBatch(ctx, ops)
	if err != nil {
		return f.handleBatchError(entries, err)
	}

	failed := make(map[int64]string, len(result.Failed))
	for _, rowFail := range result.Failed {
		failed[rowFail.ID] = rowFail.Error
	}
	var done []uint64
	var retry []Entry
	for _, op := range ops {
		entry := byID[op.ID]
		msg, isFailed := failed[op.ID]
		if !isFailed {
			done = append(done, entry.ID)
			continue
		}
		if entry.Attempts+1 >= f.maxAttempts {
			f.log.Error("dropping queue entry after repeated rejection",
				"item_key", entry.ItemKey, "set_num", entry.SetNum, "attempts", entry.Attempts+1, "error", msg)
			done = append(done, entry.ID)
			continue
		}
		f.log.Warn("row rejected, will retry", "item_key", entry.ItemKey, "error", msg)
		retry = append(retry, entry)
	}
	if err := f.queue.Remove(done); err != nil {
		return err
	}
	if err := f.queue.IncrementAttempts(retry); err != nil {
		return err
	}
	f.log.Debug("flush cycle complete", "uploaded", len(done), "retrying", len(retry))
	return nil
}

func (f *Flusher) handleBatchError(entries []Entry, err error) error {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		f.log.Warn("upload throttled, backing off", "retry_after", rl.RetryAfter.String())
		return nil
	}
	if errors.Is(err, pkgerrors.ErrUnauthorized) {
		f.log.Warn("upload rejected: session expired, batch stays queued")
		return nil
	}
	if errors.Is(err, pkgerrors.ErrInvalidArgument) {
		// The whole request was rejected as malformed; these rows will
		// never succeed as-is, so drop them rather than loop forever.
		ids := make([]uint64, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		f.log.Error("batch rejected as invalid, dropping entries", "count", len(ids), "error", err)
		return f.queue.Remove(ids)
	}
	if httpx.IsRetryableError(err) {
		f.log.Warn("transient upload failure, batch stays queued", "error", err)
		return nil
	}
	return err
}
