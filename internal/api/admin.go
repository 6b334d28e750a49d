package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// storedResponse is what an Idempotency-Key replays
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotencyMiddleware replays the first response of an admin POST carrying an
// Idempotency-Key. Server errors are not remembered so the caller can retry.
func (h *Handler) idempotencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" || c.Request.Method != http.MethodPost || h.idempotency == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		storeKey := "admin:" + c.Request.URL.Path + ":" + key

		raw, found, err := h.idempotency.GetIdempotencyKey(ctx, storeKey)
		if err != nil {
			h.logger.Warn("Failed to check idempotency key", zap.String("key", key), zap.Error(err))
		}
		if found {
			var prev storedResponse
			if err := json.Unmarshal(raw, &prev); err == nil {
				h.logger.Info("Replaying admin response", zap.String("key", key))
				c.Header("Idempotent-Replayed", "true")
				c.Data(prev.Status, "application/json; charset=utf-8", prev.Body)
				c.Abort()
				return
			}
		}

		writer := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		value, err := json.Marshal(storedResponse{Status: status, Body: writer.body.Bytes()})
		if err != nil {
			return
		}
		if err := h.idempotency.SetIdempotencyKey(ctx, storeKey, value, h.idempotencyTTL); err != nil {
			h.logger.Warn("Failed to store idempotency key", zap.String("key", key), zap.Error(err))
		}
	}
}

func deliveryResponse(c *gin.Context, d *models.Delivery) {
	c.JSON(http.StatusOK, gin.H{
		"delivery": d,
	})
}

// getDelivery returns the full record, failure details included
func (h *Handler) getDelivery(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	d, err := h.admin.GetDelivery(c.Request.Context(), id)
	if err != nil {
		h.adminError(c, err)
		return
	}
	deliveryResponse(c, d)
}

// setCredentials handles hosting credentials for a template
func (h *Handler) setCredentials(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req service.CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	d, err := h.admin.SetCredentials(c.Request.Context(), id, req)
	if err != nil {
		h.adminError(c, err)
		return
	}
	deliveryResponse(c, d)
}

func (h *Handler) resendEmail(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	d, err := h.admin.ResendEmail(c.Request.Context(), id)
	if err != nil {
		h.adminError(c, err)
		return
	}
	deliveryResponse(c, d)
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) escalate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req escalateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	d, err := h.admin.Escalate(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.adminError(c, err)
		return
	}
	deliveryResponse(c, d)
}

func (h *Handler) markReady(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	d, err := h.admin.MarkReady(c.Request.Context(), id)
	if err != nil {
		h.adminError(c, err)
		return
	}
	deliveryResponse(c, d)
}

type issueRequest struct {
	Note string `json:"note"`
}

func (h *Handler) flagIssue(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req issueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	d, err := h.admin.FlagIssue(c.Request.Context(), id, req.Note)
	if err != nil {
		h.adminError(c, err)
		return
	}
	deliveryResponse(c, d)
}
