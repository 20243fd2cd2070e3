package repos

import (
  "context"
  "time"
  "github.com/google/uuid"
  "gorm.io/gorm"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/types"
)

type OwnedItemRepo interface {
  Upsert(ctx context.Context, tx *gorm.DB, row *types.OwnedItem) error
  DeleteByKey(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum, itemKey string) error
  GetByUserAndSet(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string) ([]*types.OwnedItem, error)
  ListPage(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string, offset, limit int) ([]*types.OwnedItem, error)
  TotalOwned(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string) (int, error)
}

type ownedItemRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewOwnedItemRepo(db *gorm.DB, baseLog *logger.Logger) OwnedItemRepo {
  repoLog := baseLog.With("repo", "OwnedItemRepo")
  return &ownedItemRepo{db: db, log: repoLog}
}

func (oir *ownedItemRepo) Upsert(ctx context.Context, tx *gorm.DB, row *types.OwnedItem) error {
  transaction := tx
  if transaction == nil {
    transaction = oir.db
  }

  if row == nil {
    return nil
  }

  // Last-write-wins upsert by unique user_id + set_num + item_key
  if err := transaction.WithContext(ctx).
    Where("user_id = ? AND set_num = ? AND item_key = ?", row.UserID, row.SetNum, row.ItemKey).
    Assign(map[string]interface{}{
      "owned_quantity": row.OwnedQuantity,
      "client_id":      row.ClientID,
      "updated_at":     time.Now(),
    }).
    FirstOrCreate(row).Error; err != nil {
    return err
  }
  return nil
}

func (oir *ownedItemRepo) DeleteByKey(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum, itemKey string) error {
  transaction := tx
  if transaction == nil {
    transaction = oir.db
  }

  if err := transaction.WithContext(ctx).
    Where("user_id = ? AND set_num = ? AND item_key = ?", userID, setNum, itemKey).
    Delete(&types.OwnedItem{}).Error; err != nil {
    return err
  }
  return nil
}

func (oir *ownedItemRepo) GetByUserAndSet(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string) ([]*types.OwnedItem, error) {
  transaction := tx
  if transaction == nil {
    transaction = oir.db
  }

  var results []*types.OwnedItem
  if userID == uuid.Nil || setNum == "" {
    return results, nil
  }

  if err := transaction.WithContext(ctx).
    Where("user_id = ? AND set_num = ?", userID, setNum).
    Find(&results).Error; err != nil {
    return nil, err
  }
  return results, nil
}

func (oir *ownedItemRepo) ListPage(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string, offset, limit int) ([]*types.OwnedItem, error) {
  transaction := tx
  if transaction == nil {
    transaction = oir.db
  }

  var results []*types.OwnedItem
  if userID == uuid.Nil || setNum == "" || limit <= 0 {
    return results, nil
  }

  if err := transaction.WithContext(ctx).
    Where("user_id = ? AND set_num = ?", userID, setNum).
    Order("item_key ASC").
    Offset(offset).
    Limit(limit).
    Find(&results).Error; err != nil {
    return nil, err
  }
  return results, nil
}

func (oir *ownedItemRepo) TotalOwned(ctx context.Context, tx *gorm.DB, userID uuid.UUID, setNum string) (int, error) {
  transaction := tx
  if transaction == nil {
    transaction = oir.db
  }

  var total int
  if err := transaction.WithContext(ctx).
    Model(&types.OwnedItem{}).
    Select("COALESCE(SUM(owned_quantity), 0)").
    Where("user_id = ? AND set_num = ?", userID, setNum).
    Scan(&total).Error; err != nil {
    return 0, err
  }
  return total, nil
}
