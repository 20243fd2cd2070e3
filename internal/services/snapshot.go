package services

import (
  "context"
  "fmt"
  "github.com/google/uuid"
  "gorm.io/gorm"
  pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/repos"
  "github.com/bricktally/bricktally-backend/internal/types"
)

// SnapshotPageSize is the fixed page size for ownership snapshot reads.
const SnapshotPageSize = 500

type SnapshotService interface {
  ListPage(ctx context.Context, userID uuid.UUID, setNum string, offset, limit int) ([]*types.OwnedItem, error)
}

type snapshotService struct {
  db            *gorm.DB
  log           *logger.Logger
  ownedItemRepo repos.OwnedItemRepo
}

func NewSnapshotService(db *gorm.DB, log *logger.Logger, ownedItemRepo repos.OwnedItemRepo) SnapshotService {
  serviceLog := log.With("service", "SnapshotService")
  return &snapshotService{db: db, log: serviceLog, ownedItemRepo: ownedItemRepo}
}

func (ss *snapshotService) ListPage(ctx context.Context, userID uuid.UUID, setNum string, offset, limit int) ([]*types.OwnedItem, error) {
  if userID == uuid.Nil {
    return nil, fmt.Errorf("%w: caller identity required", pkgerrors.ErrUnauthorized)
  }
  if setNum == "" {
    return nil, fmt.Errorf("%w: set_num required", pkgerrors.ErrInvalidArgument)
  }
  if offset < 0 {
    return nil, fmt.Errorf("%w: negative offset", pkgerrors.ErrInvalidArgument)
  }
  if limit <= 0 || limit > SnapshotPageSize {
    limit = SnapshotPageSize
  }
  if err := ctx.Err(); err != nil {
    return nil, err
  }
  return ss.ownedItemRepo.ListPage(ctx, nil, userID, setNum, offset, limit)
}
