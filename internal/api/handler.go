package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/fileaccess"
	"fulfillment-service/internal/lifecycle"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DeliveryQueries is the customer-facing read and tracking side
type DeliveryQueries interface {
	OrderDeliveries(ctx context.Context, orderID, customerID int64) ([]service.DeliveryView, error)
	MarkViewed(ctx context.Context, deliveryID, customerID int64) (bool, error)
	RecordCustomerDownload(ctx context.Context, deliveryID, customerID int64) (int, error)
	IncrementDownloadCount(ctx context.Context, deliveryID int64) (int, error)
	ReportTokenExpired(ctx context.Context, deliveryID int64, token string) error
}

// AdminOperations are the manual remedies exposed to staff
type AdminOperations interface {
	GetDelivery(ctx context.Context, id int64) (*models.Delivery, error)
	SetCredentials(ctx context.Context, id int64, req service.CredentialsRequest) (*models.Delivery, error)
	ResendEmail(ctx context.Context, id int64) (*models.Delivery, error)
	Escalate(ctx context.Context, id int64, reason string) (*models.Delivery, error)
	MarkReady(ctx context.Context, id int64) (*models.Delivery, error)
	FlagIssue(ctx context.Context, id int64, note string) (*models.Delivery, error)
}

// OrderPaidHandler creates deliveries for a paid order
type OrderPaidHandler interface {
	HandleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
}

// SweepRunner runs one named sweep. ran is false when another replica is already running it.
type SweepRunner interface {
	Run(ctx context.Context, name string) (report *service.SweepReport, ran bool, err error)
}

// DownloadRedeemer turns a download token into a file grant
type DownloadRedeemer interface {
	Redeem(ctx context.Context, token string) (*fileaccess.Grant, error)
}

// IdempotencyStore remembers admin responses by Idempotency-Key
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options are the collaborators of Handler
type Options struct {
	Queries     DeliveryQueries
	Admin       AdminOperations
	Orders      OrderPaidHandler
	Sweeps      SweepRunner
	Downloads   DownloadRedeemer
	Idempotency IdempotencyStore

	// IdempotencyTTL defaults to 24h
	IdempotencyTTL time.Duration

	// Checks are pinged by /ready, keyed by dependency name
	Checks map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	queries        DeliveryQueries
	admin          AdminOperations
	orders         OrderPaidHandler
	sweeps         SweepRunner
	downloads      DownloadRedeemer
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	checks         map[string]Pinger
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(opts Options) *Handler {
	ttl := opts.IdempotencyTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{
		queries:        opts.Queries,
		admin:          opts.Admin,
		orders:         opts.Orders,
		sweeps:         opts.Sweeps,
		downloads:      opts.Downloads,
		idempotency:    opts.Idempotency,
		idempotencyTTL: ttl,
		checks:         opts.Checks,
		logger:         util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/downloads/:token", h.redeemDownload)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id/deliveries", h.orderDeliveries)
		v1.POST("/deliveries/:id/view", h.markViewed)
		v1.POST("/deliveries/:id/download", h.recordDownload)
	}

	admin := router.Group("/admin/v1")
	admin.Use(h.idempotencyMiddleware())
	{
		admin.GET("/deliveries/:id", h.getDelivery)
		admin.POST("/deliveries/:id/credentials", h.setCredentials)
		admin.POST("/deliveries/:id/resend", h.resendEmail)
		admin.POST("/deliveries/:id/escalate", h.escalate)
		admin.POST("/deliveries/:id/ready", h.markReady)
		admin.POST("/deliveries/:id/issue", h.flagIssue)
	}

	internal := router.Group("/internal")
	{
		internal.POST("/sweeps/:sweep", h.runSweep)
		internal.POST("/orders/paid", h.orderPaid)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := make(map[string]string)
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failing[name] = "unavailable"
		}
	}

	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not ready",
			"dependencies": failing,
			"time":         time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid ID",
		})
		return 0, false
	}
	return id, true
}

// errorStatus maps service errors onto HTTP status codes and a message safe to show anyone
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrDeliveryNotFound):
		return http.StatusNotFound, "Delivery not found"
	case errors.Is(err, service.ErrNotTemplate), errors.Is(err, service.ErrNoHostingDetails):
		return http.StatusUnprocessableEntity, "Operation not supported for this delivery"
	case errors.Is(err, service.ErrStaleState):
		return http.StatusConflict, "Delivery was modified concurrently, retry"
	case lifecycle.IsInvalidTransition(err):
		return http.StatusConflict, "Operation not allowed in the current delivery state"
	default:
		return http.StatusInternalServerError, "Something went wrong, please try again later"
	}
}

// customerError never exposes error details
func (h *Handler) customerError(c *gin.Context, err error) {
	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Customer request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": message,
	})
}

func (h *Handler) adminError(c *gin.Context, err error) {
	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
