package payments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/checkout/internal/middleware"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func router(f *fixture, userID uuid.UUID, role models.Role) *gin.Engine {
	h := payments.NewHandler(f.machine, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Set(middleware.ContextUserRole, string(role))
		c.Next()
	})
	r.GET("/payments/:id", h.Get)
	r.POST("/admin/payments/:id/refund", h.Refund)
	r.POST("/admin/payments/:id/fail", h.Fail)
	return r
}

func serve(t *testing.T, r http.Handler, method, path string, body any) (int, response.Body) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func TestHandlerGetVisibility(t *testing.T) {
	f := newFixture(t)
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	create(t, f, usage, id)
	path := "/payments/" + id.String()

	code, body := serve(t, router(f, usage.UserID, models.RoleAttendee), http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id.String(), body.Data.(map[string]any)["id"])

	code, _ = serve(t, router(f, uuid.New(), models.RoleAttendee), http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, code, "other users cannot see the payment")

	code, _ = serve(t, router(f, uuid.New(), models.RoleAdmin), http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = serve(t, router(f, usage.UserID, models.RoleAttendee), http.MethodGet, "/payments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = serve(t, router(f, usage.UserID, models.RoleAttendee), http.MethodGet, "/payments/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandlerRefundAndFail(t *testing.T) {
	f := newFixture(t)
	admin := router(f, uuid.New(), models.RoleAdmin)
	usage, id := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	res := create(t, f, usage, id)

	code, body := serve(t, admin, http.MethodPost, "/admin/payments/"+id.String()+"/refund", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, response.CodeInvalidTransition, body.Code)

	_, err := f.machine.Complete(context.Background(), id, res.Payment.GatewayRef, time.Now())
	require.NoError(t, err)

	code, body = serve(t, admin, http.MethodPost, "/admin/payments/"+id.String()+"/refund", gin.H{"reason": "duplicate order"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "refunded", body.Data.(map[string]any)["status"])

	code, _ = serve(t, admin, http.MethodPost, "/admin/payments/"+id.String()+"/fail", nil)
	assert.Equal(t, http.StatusConflict, code)

	other, otherID := f.reserve(t, models.DiscountPercentage, 10, 1000, nil)
	create(t, f, other, otherID)
	code, body = serve(t, admin, http.MethodPost, "/admin/payments/"+otherID.String()+"/fail", nil)
	require.Equal(t, http.StatusOK, code)
	meta := body.Data.(map[string]any)["metadata"].(map[string]any)
	assert.Equal(t, payments.ReasonManual, meta[models.MetaFailureReason])

	code, _ = serve(t, admin, http.MethodPost, "/admin/payments/"+uuid.NewString()+"/fail", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
