package handlers

import (
  "errors"
  "net/http"
  "strconv"
  "github.com/gin-gonic/gin"
  pkgerrors "github.com/bricktally/bricktally-backend/internal/pkg/errors"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/requestdata"
  "github.com/bricktally/bricktally-backend/internal/services"
)

type SyncHandler struct {
  log             *logger.Logger
  applyService    services.SyncApplyService
  snapshotService services.SnapshotService
}

func NewSyncHandler(log *logger.Logger, applyService services.SyncApplyService, snapshotService services.SnapshotService) *SyncHandler {
  handlerLog := log.With("handler", "SyncHandler")
  return &SyncHandler{log: handlerLog, applyService: applyService, snapshotService: snapshotService}
}

func (sh *SyncHandler) ApplyBatch(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, "unauthenticated", pkgerrors.ErrUnauthorized)
    return
  }

  var req struct {
    Operations []services.BatchOperation `json:"operations"`
  }
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", errors.New("invalid request body"))
    return
  }

  result, err := sh.applyService.ApplyBatch(c.Request.Context(), rd.UserID, req.Operations)
  if err != nil {
    if errors.Is(err, pkgerrors.ErrInvalidArgument) {
      RespondError(c, http.StatusBadRequest, "bad_request", err)
      return
    }
    if errors.Is(err, pkgerrors.ErrUnauthorized) {
      RespondError(c, http.StatusUnauthorized, "unauthenticated", err)
      return
    }
    sh.log.Error("ApplyBatch failed", "user_id", rd.UserID, "error", err)
    RespondError(c, http.StatusInternalServerError, "internal", err)
    return
  }
  RespondOK(c, result)
}

func (sh *SyncHandler) Snapshot(c *gin.Context) {
  rd := requestdata.GetRequestData(c.Request.Context())
  if rd == nil {
    RespondError(c, http.StatusUnauthorized, "unauthenticated", pkgerrors.ErrUnauthorized)
    return
  }

  setNum := c.Query("set_num")
  offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
  limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(services.SnapshotPageSize)))

  items, err := sh.snapshotService.ListPage(c.Request.Context(), rd.UserID, setNum, offset, limit)
  if err != nil {
    if errors.Is(err, pkgerrors.ErrInvalidArgument) {
      RespondError(c, http.StatusBadRequest, "bad_request", err)
      return
    }
    sh.log.Error("Snapshot failed", "user_id", rd.UserID, "set_num", setNum, "error", err)
    RespondError(c, http.StatusInternalServerError, "internal", err)
    return
  }
  RespondOK(c, gin.H{"items": items, "count": len(items), "offset": offset})
}
