package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/ledger/internal/backend"
	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type mutationResponse struct {
	Applied bool `json:"applied"`
	Queued  bool `json:"queued"`
}

func (h *httpHandler) handleListRows(c *gin.Context) {
	table, ok := h.tableParam(c)
	if !ok {
		return
	}
	ctx := h.backendContext(c)
	rows := offline.FetchWithCache(ctx, h.access, c.GetString(userIDContextKey), table, func(ctx context.Context) ([]offline.Record, error) {
		return h.tables.Select(ctx, table)
	})
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (h *httpHandler) handleInsertRow(c *gin.Context) {
	table, ok := h.tableParam(c)
	if !ok {
		return
	}
	data, ok := decodeRecord(c)
	if !ok {
		return
	}
	ctx := h.backendContext(c)
	applied, err := h.access.MutateWithQueueFor(ctx, c.GetString(userIDContextKey), table, offline.OperationInsert, data, func(ctx context.Context) error {
		return h.tables.Insert(ctx, table, data)
	})
	h.respondMutation(c, http.StatusCreated, applied, err)
}

func (h *httpHandler) handleUpdateRow(c *gin.Context) {
	table, ok := h.tableParam(c)
	if !ok {
		return
	}
	data, ok := decodeRecord(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if existing, present := offline.RecordID(data); present && existing != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id_mismatch"})
		return
	}
	data["id"] = id
	ctx := h.backendContext(c)
	applied, err := h.access.MutateWithQueueFor(ctx, c.GetString(userIDContextKey), table, offline.OperationUpdate, data, func(ctx context.Context) error {
		return h.tables.Update(ctx, table, id, data)
	})
	h.respondMutation(c, http.StatusOK, applied, err)
}

func (h *httpHandler) handleDeleteRow(c *gin.Context) {
	table, ok := h.tableParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	ctx := h.backendContext(c)
	applied, err := h.access.MutateWithQueueFor(ctx, c.GetString(userIDContextKey), table, offline.OperationDelete, offline.Record{"id": id}, func(ctx context.Context) error {
		return h.tables.Delete(ctx, table, id)
	})
	h.respondMutation(c, http.StatusOK, applied, err)
}

func (h *httpHandler) tableParam(c *gin.Context) (string, bool) {
	table, err := offline.NewTableName(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_table"})
		return "", false
	}
	return table.String(), true
}

// backendContext carries the caller's session token to backend requests.
func (h *httpHandler) backendContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if token := c.GetString(tokenContextKey); token != "" {
		ctx = backend.WithAccessToken(ctx, token)
	}
	return ctx
}

func (h *httpHandler) respondMutation(c *gin.Context, appliedStatus int, applied bool, err error) {
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if applied {
		c.JSON(appliedStatus, mutationResponse{Applied: true})
		return
	}
	c.JSON(http.StatusAccepted, mutationResponse{Queued: true})
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	errorCode := "internal_error"
	switch {
	case errors.Is(err, offline.ErrInvalidTable):
		status, errorCode = http.StatusBadRequest, "invalid_table"
	case errors.Is(err, offline.ErrInvalidOperation):
		status, errorCode = http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, offline.ErrMissingRecordID):
		status, errorCode = http.StatusBadRequest, "missing_record_id"
	case errors.Is(err, offline.ErrInvalidUserID):
		status, errorCode = http.StatusBadRequest, "invalid_user_id"
	}
	payload := gin.H{"error": errorCode}
	var serviceErr *offline.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, payload)
}
