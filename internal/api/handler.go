package api

import (
	"context"
	"net/http"
	"time"

	"bookstore/internal/apperr"
	"bookstore/internal/service"
	"bookstore/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP layer.
type Options struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	// Dependencies are pinged by /ready, keyed by name.
	Dependencies map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	checkout   *service.CheckoutService
	reconciler *service.Reconciler
	orders     *service.OrderService
	deps       map[string]Pinger
	auth       *authenticator
	limiter    *rateLimiter
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	reconciler *service.Reconciler,
	orders *service.OrderService,
	opts Options,
) *Handler {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 5
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 10
	}

	return &Handler{
		checkout:   checkout,
		reconciler: reconciler,
		orders:     orders,
		deps:       opts.Dependencies,
		auth:       &authenticator{secret: []byte(opts.JWTSecret)},
		limiter:    newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		logger:     util.GetLogger(),
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

	v1 := router.Group("/api/v1")

	checkout := v1.Group("/checkout")
	{
		checkout.POST("/create-session", h.limiter.middleware(), h.auth.optional(), h.createSession)
		checkout.POST("/verify", h.limiter.middleware(), h.verify)
		checkout.POST("/webhook", h.webhook)
	}

	orders := v1.Group("/orders")
	{
		orders.GET("/:id", h.auth.required(false), h.getOrder)

		admin := orders.Group("")
		admin.Use(h.auth.required(true))
		admin.GET("", h.listOrders)
		admin.PUT("", h.updateStatus)
		admin.POST("/:id/reconcile", h.reconcileOrder)
		admin.GET("/revenue", h.totalRevenue)
		admin.GET("/revenue/weekly", h.weeklyOrders)
		admin.GET("/revenue/monthly", h.monthlyRevenue)
	}

	v1.GET("/books/purchased", h.auth.required(false), h.purchasedBooks)
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

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// respondError writes err using the status its kind maps to.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{
		"success": false,
		"message": apperr.Message(err),
	}
	if fields := apperr.FieldErrors(err); len(fields) > 0 {
		body["errors"] = fields
	}
	c.JSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, message string, err error) {
	body := gin.H{
		"success": false,
		"message": message,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
