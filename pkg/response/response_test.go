package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-orders/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestHandle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		method   string
		err      error
		wantCode int
		wantErr  string
	}{
		{"get success", http.MethodGet, nil, http.StatusOK, ""},
		{"post success", http.MethodPost, nil, http.StatusCreated, ""},
		{"not found", http.MethodGet, fmt.Errorf("order: %w", types.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"bad request", http.MethodPost, fmt.Errorf("amount: %w", types.ErrBadRequest), http.StatusBadRequest, ErrCodeBadRequest},
		{"forbidden", http.MethodPost, fmt.Errorf("space: %w", types.ErrForbidden), http.StatusForbidden, ErrCodeForbidden},
		{"conflict", http.MethodPost, fmt.Errorf("key: %w", types.ErrConflict), http.StatusConflict, ErrCodeConflict},
		{"gorm duplicate key", http.MethodPost, gorm.ErrDuplicatedKey, http.StatusConflict, ErrCodeConflict},
		{"gorm not found", http.MethodGet, gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"unexpected", http.MethodGet, errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tt.method, "/", nil)

			Handle(c, gin.H{"ok": true}, tt.err)

			assert.Equal(t, tt.wantCode, w.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if tt.wantErr == "" {
				assert.True(t, resp.Success)
				assert.Nil(t, resp.Error)
				return
			}
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantErr, resp.Error.Code)
		})
	}
}

func TestHandle_HidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Handle(c, nil, errors.New("connection string leaked"))
	assert.NotContains(t, w.Body.String(), "leaked")
}
