package orders

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-orders/internal/auth"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/ksred/klear-orders/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func userID(c *gin.Context) (string, bool) {
	id := auth.UserID(c)
	if id == "" {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	return id, true
}

// CreateOrderHandler handles POST requests to create new orders.
// Requires an Idempotency-Key header.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(c.Request.Context(), user, idempotencyKey, req)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests for the caller's orders.
// Query parameters: status, limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}

		orders, err := h.service.ListOrders(c.Request.Context(), user, types.OrderStatus(c.Query("status")), limit)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for a single order
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), user, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// UpdateOrderHandler handles PATCH requests with a partial order change
func (h *GinHandlers) UpdateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		var req UpdateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.UpdateOrder(c.Request.Context(), user, c.Param("order_id"), req)
		response.Handle(c, order, err)
	}
}

type verifyRequest struct {
	Code string `json:"code"`
}

// VerifyOrderHandler handles POST requests carrying a step-up code
func (h *GinHandlers) VerifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		order, err := h.service.VerifyOrder(c.Request.Context(), user, c.Param("order_id"), req.Code)
		response.Handle(c, order, err)
	}
}

// ExecuteOrderHandler handles POST requests to execute an order now. A
// provider failure still returns the (failed) order; the attempt history has
// the details.
func (h *GinHandlers) ExecuteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		order, err := h.service.ExecuteOrder(c.Request.Context(), user, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), user, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) ListAttemptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}

		attempts, err := h.service.ListAttempts(c.Request.Context(), user, c.Param("order_id"))
		response.Handle(c, attempts, err)
	}
}
