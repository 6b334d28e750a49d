package api

import (
	"net/http"
	"time"

	"fulfillment-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// runSweep triggers one sweep batch, for external schedulers
func (h *Handler) runSweep(c *gin.Context) {
	name := c.Param("sweep")
	switch name {
	case "sla", "recovery", "expiry":
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Unknown sweep",
		})
		return
	}

	report, ran, err := h.sweeps.Run(c.Request.Context(), name)
	if err != nil {
		h.adminError(c, err)
		return
	}
	if !ran {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Sweep already running",
			"sweep": name,
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// orderPaid accepts the OrderPaid fact over HTTP, for producers without Kafka access
func (h *Handler) orderPaid(c *gin.Context) {
	var event models.OrderPaidEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if event.EventID == "" {
		event.EventID = c.GetHeader(idempotencyHeader)
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	event.EventType = models.EventTypeOrderPaid
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := h.orders.HandleOrderPaid(c.Request.Context(), &event); err != nil {
		h.adminError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": event.EventID,
		"order_id": event.OrderID,
	})
}
