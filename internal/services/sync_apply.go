package services

import (
  "context"
  "errors"
  "fmt"
  "time"
  "github.com/google/uuid"
  "github.com/jackc/pgx/v5/pgconn"
  "golang.org/x/sync/errgroup"
  "gorm.io/gorm"
  pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/repos"
  "github.com/bricktally/bricktally-backend/internal/types"
)

const (
  // MaxBatchOperations bounds one batch-apply request.
  MaxBatchOperations = 100

  OpUpsert = "upsert"
  OpDelete = "delete"

  // OwnedItemTable is the only table the batch endpoint accepts writes for.
  OwnedItemTable = "owned_item"

  maxSetNumLen   = 32
  maxItemKeyLen  = 128
  maxClientIDLen = 64
  maxQuantity    = 100000
)

type BatchPayload struct {
  SetNum        string `json:"set_num"`
  ItemKey       string `json:"item_key"`
  OwnedQuantity *int   `json:"owned_quantity,omitempty"`
  ClientID      string `json:"client_id,omitempty"`
}

type BatchOperation struct {
  ID        int64        `json:"id"`
  Table     string       `json:"table"`
  Operation string       `json:"operation"`
  Payload   BatchPayload `json:"payload"`
}

type BatchFailure struct {
  ID    int64  `json:"id"`
  Error string `json:"error"`
}

type BatchResult struct {
  Success   bool           `json:"success"`
  Processed int            `json:"processed"`
  Failed    []BatchFailure `json:"failed,omitempty"`
}

type SyncApplyService interface {
  ApplyBatch(ctx context.Context, userID uuid.UUID, ops []BatchOperation) (*BatchResult, error)
}

type syncApplyService struct {
  db            *gorm.DB
  log           *logger.Logger
  ownedItemRepo repos.OwnedItemRepo
  setRollupRepo repos.SetRollupRepo
}

func NewSyncApplyService(db *gorm.DB, log *logger.Logger, ownedItemRepo repos.OwnedItemRepo, setRollupRepo repos.SetRollupRepo) SyncApplyService {
  serviceLog := log.With("service", "SyncApplyService")
  return &syncApplyService{
    db:            db,
    log:           serviceLog,
    ownedItemRepo: ownedItemRepo,
    setRollupRepo: setRollupRepo,
  }
}

// ApplyBatch applies the batch in one transaction. If that transaction fails
// it falls back to applying every row individually, so one bad row cannot
// block the rest of the batch. Row outcomes are reported per id; the local
// client decides what to do with rows that keep failing.
func (sas *syncApplyService) ApplyBatch(ctx context.Context, userID uuid.UUID, ops []BatchOperation) (*BatchResult, error) {
  if userID == uuid.Nil {
    return nil, fmt.Errorf("%w: caller identity required", pkgerrors.ErrUnauthorized)
  }
  if err := validateOperations(ops); err != nil {
    return nil, err
  }

  result := &BatchResult{}

  txErr := sas.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
    for i := range ops {
      if err := sas.applyOne(ctx, tx, userID, &ops[i]); err != nil {
        return err
      }
    }
    return nil
  })

  if txErr == nil {
    result.Success = true
    result.Processed = len(ops)
  } else {
    sas.log.Warn("Batch transaction failed, retrying rows individually", "user_id", userID, "ops", len(ops), "error", txErr)
    for i := range ops {
      if err := sas.applyOne(ctx, nil, userID, &ops[i]); err != nil {
        result.Failed = append(result.Failed, BatchFailure{ID: ops[i].ID, Error: classifyRowError(err)})
        continue
      }
      result.Processed++
    }
    result.Success = len(result.Failed) == 0
  }

  sas.recomputeRollups(userID, ops)

  return result, nil
}

func (sas *syncApplyService) applyOne(ctx context.Context, tx *gorm.DB, userID uuid.UUID, op *BatchOperation) error {
  switch op.Operation {
  case OpUpsert:
    row := &types.OwnedItem{
      UserID:        userID,
      SetNum:        op.Payload.SetNum,
      ItemKey:       op.Payload.ItemKey,
      OwnedQuantity: *op.Payload.OwnedQuantity,
      ClientID:      op.Payload.ClientID,
    }
    return sas.ownedItemRepo.Upsert(ctx, tx, row)
  case OpDelete:
    return sas.ownedItemRepo.DeleteByKey(ctx, tx, userID, op.Payload.SetNum, op.Payload.ItemKey)
  }
  return fmt.Errorf("%w: unknown operation %q", pkgerrors.ErrInvalidArgument, op.Operation)
}

// recomputeRollups refreshes the per-set aggregate for every set context the
// batch touched. Best effort: it runs detached from the request and never
// affects the batch response.
func (sas *syncApplyService) recomputeRollups(userID uuid.UUID, ops []BatchOperation) {
  sets := map[string]bool{}
  for i := range ops {
    sets[ops[i].Payload.SetNum] = true
  }
  if len(sets) == 0 {
    return
  }

  go func() {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    g, gctx := errgroup.WithContext(ctx)
    g.SetLimit(4)
    for setNum := range sets {
      g.Go(func() error {
        total, err := sas.ownedItemRepo.TotalOwned(gctx, nil, userID, setNum)
        if err != nil {
          sas.log.Warn("Rollup recompute failed", "user_id", userID, "set_num", setNum, "error", err)
          return nil
        }
        row := &types.SetRollup{UserID: userID, SetNum: setNum, TotalOwned: total}
        if err := sas.setRollupRepo.Upsert(gctx, nil, row); err != nil {
          sas.log.Warn("Rollup upsert failed", "user_id", userID, "set_num", setNum, "error", err)
        }
        return nil
      })
    }
    _ = g.Wait()
  }()
}

func validateOperations(ops []BatchOperation) error {
  if len(ops) == 0 {
    return fmt.Errorf("%w: empty batch", pkgerrors.ErrInvalidArgument)
  }
  if len(ops) > MaxBatchOperations {
    return fmt.Errorf("%w: batch exceeds %d operations", pkgerrors.ErrInvalidArgument, MaxBatchOperations)
  }
  for i := range ops {
    op := &ops[i]
    if op.Table != OwnedItemTable {
      return fmt.Errorf("%w: unsupported table %q", pkgerrors.ErrInvalidArgument, op.Table)
    }
    if op.Operation != OpUpsert && op.Operation != OpDelete {
      return fmt.Errorf("%w: unsupported operation %q", pkgerrors.ErrInvalidArgument, op.Operation)
    }
    if op.Payload.SetNum == "" || len(op.Payload.SetNum) > maxSetNumLen {
      return fmt.Errorf("%w: set_num out of bounds on op %d", pkgerrors.ErrInvalidArgument, op.ID)
    }
    if op.Payload.ItemKey == "" || len(op.Payload.ItemKey) > maxItemKeyLen {
      return fmt.Errorf("%w: item_key out of bounds on op %d", pkgerrors.ErrInvalidArgument, op.ID)
    }
    if len(op.Payload.ClientID) > maxClientIDLen {
      return fmt.Errorf("%w: client_id out of bounds on op %d", pkgerrors.ErrInvalidArgument, op.ID)
    }
    if op.Operation == OpUpsert {
      if op.Payload.OwnedQuantity == nil {
        return fmt.Errorf("%w: owned_quantity required for upsert on op %d", pkgerrors.ErrInvalidArgument, op.ID)
      }
      if *op.Payload.OwnedQuantity < 0 || *op.Payload.OwnedQuantity > maxQuantity {
        return fmt.Errorf("%w: owned_quantity out of range on op %d", pkgerrors.ErrInvalidArgument, op.ID)
      }
    }
  }
  return nil
}

// classifyRowError keeps SQLSTATE class 23 (integrity violations) readable in
// the failed list so clients can tell a poisoned row from a transient error.
func classifyRowError(err error) string {
  var pgErr *pgconn.PgError
  if errors.As(err, &pgErr) {
    if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
      return fmt.Sprintf("constraint violation (%s): %s", pgErr.Code, pgErr.Message)
    }
    return fmt.Sprintf("postgres error (%s): %s", pgErr.Code, pgErr.Message)
  }
  return err.Error()
}
