package orders

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-orders/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Set(auth.ContextUserID, user)
		}
		c.Next()
	})

	handlers := NewGinHandlers(h.svc)
	orders := router.Group("/api/v1/orders")
	orders.POST("", handlers.CreateOrderHandler())
	orders.GET("", handlers.ListOrdersHandler())
	orders.GET("/:order_id", handlers.GetOrderHandler())
	orders.PATCH("/:order_id", handlers.UpdateOrderHandler())
	orders.POST("/:order_id/verify", handlers.VerifyOrderHandler())
	orders.POST("/:order_id/execute", handlers.ExecuteOrderHandler())
	orders.POST("/:order_id/cancel", handlers.CancelOrderHandler())
	orders.GET("/:order_id/attempts", handlers.ListAttemptsHandler())
	return router
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func do(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func TestHandlers_OrderLifecycle(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)
	user := map[string]string{"X-Test-User": testUser}
	withKey := map[string]string{"X-Test-User": testUser, "Idempotency-Key": "http-1"}

	code, env := do(t, router, http.MethodPost, "/api/v1/orders", h.buy(500), user)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", env.Error.Code)

	code, env = do(t, router, http.MethodPost, "/api/v1/orders", h.buy(500), withKey)
	require.Equal(t, http.StatusCreated, code)
	var created struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "pending_execution", created.Status)

	code, env = do(t, router, http.MethodPost, "/api/v1/orders", h.buy(900), withKey)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", env.Error.Code)

	code, _ = do(t, router, http.MethodGet, "/api/v1/orders/"+created.OrderID, nil, user)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, router, http.MethodGet, "/api/v1/orders/"+created.OrderID, nil,
		map[string]string{"X-Test-User": "intruder"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, router, http.MethodGet, "/api/v1/orders/"+created.OrderID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env = do(t, router, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/execute", nil, user)
	require.Equal(t, http.StatusCreated, code)
	var executed struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &executed))
	assert.Equal(t, "completed", executed.Status)

	code, env = do(t, router, http.MethodGet, "/api/v1/orders/"+created.OrderID+"/attempts", nil, user)
	assert.Equal(t, http.StatusOK, code)
	var attempts []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &attempts))
	assert.Len(t, attempts, 1)

	code, _ = do(t, router, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/cancel", nil, user)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, router, http.MethodGet, "/api/v1/orders?status=completed", nil, user)
	assert.Equal(t, http.StatusOK, code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Len(t, listed, 1)

	code, _ = do(t, router, http.MethodGet, "/api/v1/orders?limit=zero", nil, user)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandlers_VerifyAndPatch(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h)
	user := map[string]string{"X-Test-User": testUser}

	order := h.create(t, "http-verify", h.buy(15_000))

	code, env := do(t, router, http.MethodPost, "/api/v1/orders/"+order.OrderID+"/verify",
		map[string]string{"code": "12345"}, user)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error.Message, "6 digits")

	code, _ = do(t, router, http.MethodPatch, "/api/v1/orders/"+order.OrderID,
		map[string]string{"notes": "hold"}, user)
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, router, http.MethodPost, "/api/v1/orders/"+order.OrderID+"/verify",
		map[string]string{"code": validCode}, user)
	require.Equal(t, http.StatusCreated, code)
	var verified struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &verified))
	assert.Equal(t, "pending_execution", verified.Status)
	assert.Equal(t, "hold", verified.Notes)
}
