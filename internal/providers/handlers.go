package providers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-orders/pkg/response"
)

// GinHandlers contains HTTP handlers for provider endpoints
type GinHandlers struct {
	registry *Registry
}

func NewGinHandlers(registry *Registry) *GinHandlers {
	return &GinHandlers{registry: registry}
}

// HealthHandler reports liveness and capabilities of every registered provider.
// Responds 503 when none are healthy.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := h.registry.Health(c.Request.Context())

		for _, p := range health {
			if p.Healthy {
				response.Success(c, health)
				return
			}
		}

		c.JSON(http.StatusServiceUnavailable, response.Response{
			Success: false,
			Data:    health,
			Error: &response.Error{
				Code:    "PROVIDERS_UNAVAILABLE",
				Message: "No execution provider is healthy",
			},
		})
	}
}
