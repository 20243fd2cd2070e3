package services

import (
  "context"
  "errors"
  "fmt"
  "testing"
  "time"

  "github.com/google/uuid"
  "gorm.io/driver/sqlite"
  "gorm.io/gorm"
  gormlogger "gorm.io/gorm/logger"

  pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/repos"
  "github.com/bricktally/bricktally-backend/internal/types"
)

const testSet = "75192-1"

// The schema mirrors the production tables, with a low quantity check so
// tests can produce a row the database rejects.
const testSchema = `
CREATE TABLE owned_item (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  set_num TEXT NOT NULL,
  item_key TEXT NOT NULL,
  owned_quantity INTEGER NOT NULL DEFAULT 0 CHECK (owned_quantity < 1000),
  client_id TEXT,
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (user_id, set_num, item_key)
);
CREATE TABLE set_rollup (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  set_num TEXT NOT NULL,
  total_owned INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (user_id, set_num)
);
`

func newTestDB(t *testing.T) *gorm.DB {
  t.Helper()
  dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
  db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
  if err != nil {
    t.Fatalf("open sqlite: %v", err)
  }
  sqlDB, err := db.DB()
  if err != nil {
    t.Fatalf("unwrap sql.DB: %v", err)
  }
  sqlDB.SetMaxOpenConns(1)
  t.Cleanup(func() { sqlDB.Close() })
  if err := db.Exec(testSchema).Error; err != nil {
    t.Fatalf("create schema: %v", err)
  }
  return db
}

func newTestService(t *testing.T) (SyncApplyService, repos.OwnedItemRepo, repos.SetRollupRepo, *gorm.DB) {
  t.Helper()
  db := newTestDB(t)
  log := logger.NewNop()
  ownedItemRepo := repos.NewOwnedItemRepo(db, log)
  setRollupRepo := repos.NewSetRollupRepo(db, log)
  return NewSyncApplyService(db, log, ownedItemRepo, setRollupRepo), ownedItemRepo, setRollupRepo, db
}

func intPtr(v int) *int { return &v }

func upsertOp(id int64, itemKey string, qty int) BatchOperation {
  return BatchOperation{
    ID:        id,
    Table:     OwnedItemTable,
    Operation: OpUpsert,
    Payload:   BatchPayload{SetNum: testSet, ItemKey: itemKey, OwnedQuantity: intPtr(qty), ClientID: "client-a"},
  }
}

func TestApplyBatchHappyPath(t *testing.T) {
  service, ownedItemRepo, _, _ := newTestService(t)
  userID := uuid.New()

  result, err := service.ApplyBatch(context.Background(), userID, []BatchOperation{
    upsertOp(1, "3001|5", 2),
    upsertOp(2, "fig:sw0001", 1),
  })
  if err != nil {
    t.Fatalf("ApplyBatch: %v", err)
  }
  if !result.Success || result.Processed != 2 || len(result.Failed) != 0 {
    t.Fatalf("result = %+v", result)
  }

  rows, err := ownedItemRepo.GetByUserAndSet(context.Background(), nil, userID, testSet)
  if err != nil {
    t.Fatalf("GetByUserAndSet: %v", err)
  }
  if len(rows) != 2 {
    t.Fatalf("stored %d rows, want 2", len(rows))
  }
}

func TestApplyBatchUpsertIsLastWriteWins(t *testing.T) {
  service, ownedItemRepo, _, _ := newTestService(t)
  userID := uuid.New()

  for _, qty := range []int{1, 5, 3} {
    if _, err := service.ApplyBatch(context.Background(), userID, []BatchOperation{upsertOp(1, "3001|5", qty)}); err != nil {
      t.Fatalf("ApplyBatch(%d): %v", qty, err)
    }
  }

  rows, err := ownedItemRepo.GetByUserAndSet(context.Background(), nil, userID, testSet)
  if err != nil {
    t.Fatalf("GetByUserAndSet: %v", err)
  }
  if len(rows) != 1 || rows[0].OwnedQuantity != 3 {
    t.Fatalf("rows = %+v", rows)
  }
}

func TestApplyBatchPartialFailureIsolatesRows(t *testing.T) {
  service, ownedItemRepo, _, _ := newTestService(t)
  userID := uuid.New()

  // Row 2 passes request validation but violates the database check, so
  // the transaction fails and each row is retried on its own.
  result, err := service.ApplyBatch(context.Background(), userID, []BatchOperation{
    upsertOp(1, "3001|5", 2),
    upsertOp(2, "poison", 5000),
    upsertOp(3, "3002|4", 1),
  })
  if err != nil {
    t.Fatalf("ApplyBatch: %v", err)
  }
  if result.Success {
    t.Fatal("result.Success should be false on partial failure")
  }
  if result.Processed != 2 {
    t.Fatalf("Processed = %d, want 2", result.Processed)
  }
  if len(result.Failed) != 1 || result.Failed[0].ID != 2 {
    t.Fatalf("Failed = %+v", result.Failed)
  }
  if result.Failed[0].Error == "" {
    t.Fatal("failed row carries no error message")
  }

  rows, err := ownedItemRepo.GetByUserAndSet(context.Background(), nil, userID, testSet)
  if err != nil {
    t.Fatalf("GetByUserAndSet: %v", err)
  }
  if len(rows) != 2 {
    t.Fatalf("stored %d rows, want 2 (good rows land despite the bad one)", len(rows))
  }
  for _, row := range rows {
    if row.ItemKey == "poison" {
      t.Fatal("rejected row was stored")
    }
  }
}

func TestApplyBatchDelete(t *testing.T) {
  service, ownedItemRepo, _, _ := newTestService(t)
  userID := uuid.New()

  if _, err := service.ApplyBatch(context.Background(), userID, []BatchOperation{upsertOp(1, "3001|5", 2)}); err != nil {
    t.Fatalf("seed: %v", err)
  }
  result, err := service.ApplyBatch(context.Background(), userID, []BatchOperation{{
    ID:        2,
    Table:     OwnedItemTable,
    Operation: OpDelete,
    Payload:   BatchPayload{SetNum: testSet, ItemKey: "3001|5"},
  }})
  if err != nil {
    t.Fatalf("ApplyBatch delete: %v", err)
  }
  if !result.Success {
    t.Fatalf("result = %+v", result)
  }
  rows, _ := ownedItemRepo.GetByUserAndSet(context.Background(), nil, userID, testSet)
  if len(rows) != 0 {
    t.Fatalf("row survived delete: %+v", rows)
  }
}

func TestApplyBatchValidation(t *testing.T) {
  service, _, _, _ := newTestService(t)
  userID := uuid.New()

  longKey := make([]byte, 200)
  for i := range longKey {
    longKey[i] = 'x'
  }
  tooMany := make([]BatchOperation, MaxBatchOperations+1)
  for i := range tooMany {
    tooMany[i] = upsertOp(int64(i), "3001|5", 1)
  }

  tests := []struct {
    name string
    ops  []BatchOperation
  }{
    {name: "empty batch", ops: nil},
    {name: "too many operations", ops: tooMany},
    {name: "wrong table", ops: []BatchOperation{{ID: 1, Table: "user", Operation: OpUpsert, Payload: BatchPayload{SetNum: testSet, ItemKey: "a", OwnedQuantity: intPtr(1)}}}},
    {name: "unknown operation", ops: []BatchOperation{{ID: 1, Table: OwnedItemTable, Operation: "merge", Payload: BatchPayload{SetNum: testSet, ItemKey: "a"}}}},
    {name: "missing set_num", ops: []BatchOperation{{ID: 1, Table: OwnedItemTable, Operation: OpUpsert, Payload: BatchPayload{ItemKey: "a", OwnedQuantity: intPtr(1)}}}},
    {name: "item key too long", ops: []BatchOperation{{ID: 1, Table: OwnedItemTable, Operation: OpUpsert, Payload: BatchPayload{SetNum: testSet, ItemKey: string(longKey), OwnedQuantity: intPtr(1)}}}},
    {name: "upsert without quantity", ops: []BatchOperation{{ID: 1, Table: OwnedItemTable, Operation: OpUpsert, Payload: BatchPayload{SetNum: testSet, ItemKey: "a"}}}},
    {name: "negative quantity", ops: []BatchOperation{upsertOp(1, "a", -1)}},
  }
  for _, tc := range tests {
    t.Run(tc.name, func(t *testing.T) {
      _, err := service.ApplyBatch(context.Background(), userID, tc.ops)
      if !errors.Is(err, pkgerrors.ErrInvalidArgument) {
        t.Fatalf("err = %v, want invalid argument", err)
      }
    })
  }

  if _, err := service.ApplyBatch(context.Background(), uuid.Nil, []BatchOperation{upsertOp(1, "a", 1)}); !errors.Is(err, pkgerrors.ErrUnauthorized) {
    t.Fatalf("nil user err = %v, want unauthorized", err)
  }
}

func TestApplyBatchRecomputesRollup(t *testing.T) {
  service, _, setRollupRepo, _ := newTestService(t)
  userID := uuid.New()

  if _, err := service.ApplyBatch(context.Background(), userID, []BatchOperation{
    upsertOp(1, "3001|5", 2),
    upsertOp(2, "3002|4", 3),
  }); err != nil {
    t.Fatalf("ApplyBatch: %v", err)
  }

  // The recompute is detached from the request, so poll briefly.
  deadline := time.Now().Add(2 * time.Second)
  for {
    rollup, err := setRollupRepo.GetByUserAndSet(context.Background(), nil, userID, testSet)
    if err == nil && rollup != nil && rollup.TotalOwned == 5 {
      return
    }
    if time.Now().After(deadline) {
      t.Fatalf("rollup never reached 5: %+v err=%v", rollup, err)
    }
    time.Sleep(20 * time.Millisecond)
  }
}

func TestSnapshotListPage(t *testing.T) {
  db := newTestDB(t)
  log := logger.NewNop()
  ownedItemRepo := repos.NewOwnedItemRepo(db, log)
  snapshot := NewSnapshotService(db, log, ownedItemRepo)
  userID := uuid.New()

  for i := 0; i < 7; i++ {
    row := &types.OwnedItem{UserID: userID, SetNum: testSet, ItemKey: fmt.Sprintf("k%02d", i), OwnedQuantity: 1}
    if err := ownedItemRepo.Upsert(context.Background(), nil, row); err != nil {
      t.Fatalf("Upsert: %v", err)
    }
  }

  page, err := snapshot.ListPage(context.Background(), userID, testSet, 0, 5)
  if err != nil {
    t.Fatalf("ListPage: %v", err)
  }
  if len(page) != 5 || page[0].ItemKey != "k00" {
    t.Fatalf("first page = %d rows starting %s", len(page), page[0].ItemKey)
  }
  page, err = snapshot.ListPage(context.Background(), userID, testSet, 5, 5)
  if err != nil {
    t.Fatalf("ListPage offset 5: %v", err)
  }
  if len(page) != 2 || page[0].ItemKey != "k05" {
    t.Fatalf("second page = %+v", page)
  }

  if _, err := snapshot.ListPage(context.Background(), userID, "", 0, 5); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
    t.Fatalf("missing set_num err = %v", err)
  }
  if _, err := snapshot.ListPage(context.Background(), uuid.Nil, testSet, 0, 5); !errors.Is(err, pkgerrors.ErrUnauthorized) {
    t.Fatalf("nil user err = %v", err)
  }

  cancelled, cancel := context.WithCancel(context.Background())
  cancel()
  if _, err := snapshot.ListPage(cancelled, userID, testSet, 0, 5); err == nil {
    t.Fatal("cancelled context should fail")
  }
}
