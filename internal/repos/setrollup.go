package repos

import (
  "context"
  "time"
  "github.com/google/uuid"
  "gorm.io/gorm"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/types"
)

type SetRollupRepo interface {
  Upsert(ctx context.Context, tx *gorm.DB, row *types.SetRollup) error
  GetByUserAndSet(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string) (*types.SetRollup, error)
}

type setRollupRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewSetRollupRepo(db *gorm.DB, baseLog *logger.Logger) SetRollupRepo {
  repoLog := baseLog.With("repo", "SetRollupRepo")
  return &setRollupRepo{db: db, log: repoLog}
}

func (srr *setRollupRepo) Upsert(ctx context.Context, tx *gorm.DB, row *types.SetRollup) error {
  transaction := tx
  if transaction == nil {
    transaction = srr.db
  }

  if row == nil {
    return nil
  }

  // Upsert by unique user_id + set_num
  if err := transaction.WithContext(ctx).
    Where("user_id = ? AND set_num = ?", row.UserID, row.SetNum).
    Assign(map[string]interface{}{
      "total_owned": row.TotalOwned,
      "updated_at":  time.Now(),
    }).
    FirstOrCreate(row).Error; err != nil {
    return err
  }
  return nil
}

func (srr *setRollupRepo) GetByUserAndSet(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string) (*types.SetRollup, error) {
  transaction := tx
  if transaction == nil {
    transaction = srr.db
  }

  var result types.SetRollup
  if err := transaction.WithContext(ctx).
    Where("user_id = ? AND set_num = ?", userID, setNum).
    First(&result).Error; err != nil {
    return nil, err
  }
  return &result, nil
}
