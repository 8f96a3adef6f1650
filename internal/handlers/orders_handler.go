package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/events"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
	"github.com/imrishuroy/restaurant-orderflow/internal/validation"
)

// OrderService is the part of *orders.Service the routes call.
type OrderService interface {
	PlaceOrder(ctx context.Context, in orders.PlaceOrderInput) (*orders.Order, error)
	GetOrder(ctx context.Context, orderID, requesterID string) (*orders.Order, error)
	CancelOrder(ctx context.Context, orderID, requesterID string) (*orders.Order, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Orders      OrderService
	Guard       *idempotency.Guard
	Hub         *events.Hub
	RateLimiter *RateLimiter
	PhoneRegion string
	Log         logrus.FieldLogger
}

type ordersHandler struct {
	svc         OrderService
	validate    *validatorv10.Validate
	phoneRegion string
	log         logrus.FieldLogger
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &ordersHandler{
		svc:         cfg.Orders,
		validate:    validation.New(cfg.PhoneRegion),
		phoneRegion: cfg.PhoneRegion,
		log:         cfg.Log,
	}

	r.Use(RequestID(), Identity(), RequestLogger(cfg.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// mutating routes: rate limit first, then deduplicate
	guarded := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		chain := make([]gin.HandlerFunc, 0, 3)
		if cfg.RateLimiter != nil {
			chain = append(chain, cfg.RateLimiter.Middleware())
		}
		return append(chain, cfg.Guard.Middleware(), handler)
	}

	r.POST("/orders", guarded(h.createOrder)...)
	r.GET("/orders/:id", h.getOrder)
	r.POST("/orders/:id/cancel", guarded(h.cancelOrder)...)

	admin := r.Group("/admin")
	if cfg.Hub != nil {
		admin.GET("/orders/stream", cfg.Hub.StreamHandler())
	}
	admin.GET("/idempotency/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "metrics": cfg.Guard.Metrics().Snapshot()})
	})
}

func (h *ordersHandler) createOrder(c *gin.Context) {
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	requester := customerID(c)
	if req.CustomerID != "" && req.CustomerID != requester {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "customerId does not match the authenticated customer",
			"code":    "FORBIDDEN",
			"field":   "customerId",
		})
		return
	}

	in := req.PlaceOrderInput(requester, c.GetHeader(idempotency.HeaderKey), h.phoneRegion)
	order, err := h.svc.PlaceOrder(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/orders/%s", order.ID))
	c.JSON(http.StatusCreated, gin.H{"success": true, "order": order})
}

func (h *ordersHandler) getOrder(c *gin.Context) {
	order, err := h.svc.GetOrder(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

func (h *ordersHandler) cancelOrder(c *gin.Context) {
	order, err := h.svc.CancelOrder(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

func (h *ordersHandler) writeError(c *gin.Context, err error) {
	e := orders.AsError(err)
	status := e.HTTPStatus()

	body := gin.H{"success": false, "error": e.Message, "code": e.Code}
	if e.Field != "" {
		body["field"] = e.Field
	}
	if e.MenuItemID != "" {
		body["menuItemId"] = e.MenuItemID
	}
	if e.Available != nil {
		body["available"] = *e.Available
	}
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"path":  c.FullPath(),
			"error": err.Error(),
		}).Error("order request failed")
		body["error"] = "Internal server error"
	}
	c.JSON(status, body)
}
