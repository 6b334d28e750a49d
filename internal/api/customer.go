package api

import (
	"errors"
	"net/http"
	"strconv"

	"fulfillment-service/internal/fileaccess"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// customerIDHeader is set by the gateway after authenticating the customer
const customerIDHeader = "X-Customer-ID"

func customerID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader(customerIDHeader), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Customer not identified",
		})
		return 0, false
	}
	return id, true
}

// orderDeliveries lists the deliveries of one of the customer's orders
func (h *Handler) orderDeliveries(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}
	customer, ok := customerID(c)
	if !ok {
		return
	}

	views, err := h.queries.OrderDeliveries(c.Request.Context(), orderID, customer)
	if err != nil {
		h.customerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":   orderID,
		"deliveries": views,
	})
}

// markViewed records the first time the customer opened a delivery
func (h *Handler) markViewed(c *gin.Context) {
	deliveryID, ok := parseID(c)
	if !ok {
		return
	}
	customer, ok := customerID(c)
	if !ok {
		return
	}

	first, err := h.queries.MarkViewed(c.Request.Context(), deliveryID, customer)
	if err != nil {
		h.customerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"delivery_id": deliveryID,
		"first_view":  first,
	})
}

// recordDownload counts a download started from the customer's account page
func (h *Handler) recordDownload(c *gin.Context) {
	deliveryID, ok := parseID(c)
	if !ok {
		return
	}
	customer, ok := customerID(c)
	if !ok {
		return
	}

	count, err := h.queries.RecordCustomerDownload(c.Request.Context(), deliveryID, customer)
	if err != nil {
		h.customerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"delivery_id":    deliveryID,
		"download_count": count,
	})
}

// redeemDownload spends one attempt of a download token and redirects to the file. An
// expired token of the current link puts the delivery up for link regeneration.
func (h *Handler) redeemDownload(c *gin.Context) {
	ctx := c.Request.Context()

	grant, err := h.downloads.Redeem(ctx, c.Param("token"))

	var expired *fileaccess.ExpiredLinkError
	switch {
	case errors.As(err, &expired):
		if err := h.queries.ReportTokenExpired(ctx, expired.DeliveryID, expired.Token); err != nil {
			h.logger.Error("Failed to report expired token",
				zap.Int64("delivery_id", expired.DeliveryID), zap.Error(err))
		}
		c.JSON(http.StatusGone, gin.H{
			"error": "This download link has expired. Use the link in your most recent delivery email.",
		})
		return
	case errors.Is(err, fileaccess.ErrInvalidToken):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Download not found",
		})
		return
	case err != nil:
		h.customerError(c, err)
		return
	}

	if _, err := h.queries.IncrementDownloadCount(ctx, grant.DeliveryID); err != nil {
		h.logger.Error("Failed to record download",
			zap.Int64("delivery_id", grant.DeliveryID), zap.Error(err))
	}

	c.Redirect(http.StatusFound, grant.StorageURL)
}
