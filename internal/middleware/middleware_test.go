package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aura-webinar/checkout/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestJWTAndRole(t *testing.T) {
	svc := auth.NewJWTService("secret", "", 1)
	r := gin.New()
	r.Use(JWT(svc))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet(ContextUserID).(uuid.UUID).String())
	})
	r.GET("/admin", RequireRole("admin"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	userID := uuid.New()
	attendee, err := svc.Generate(userID, "u@example.com", "attendee")
	require.NoError(t, err)
	admin, err := svc.Generate(uuid.New(), "a@example.com", "admin")
	require.NoError(t, err)
	expired, err := auth.NewJWTService("secret", "", -1).Generate(userID, "u@example.com", "attendee")
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing header", path: "/me", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/me", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", path: "/me", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "expired", path: "/me", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "empty bearer", path: "/me", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "valid", path: "/me", header: "Bearer " + attendee, want: http.StatusOK},
		{name: "attendee on admin route", path: "/admin", header: "Bearer " + attendee, want: http.StatusForbidden},
		{name: "admin", path: "/admin", header: "Bearer " + admin, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			switch tt.name {
			case "valid":
				assert.Equal(t, userID.String(), w.Body.String())
			case "expired":
				assert.Contains(t, w.Body.String(), "token expired")
			}
		})
	}
}

func TestLoggerRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	generated := w.Header().Get(HeaderRequestID)
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(HeaderRequestID, "client-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "client-id", w.Header().Get(HeaderRequestID))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "client-id", entries[1].ContextMap()["request_id"])
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS("https://shop.example.com/, https://admin.example.com"))
	r.GET("/payments/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/payments/x", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
	assert.Equal(t, HeaderRequestID, w.Header().Get("Access-Control-Expose-Headers"))

	req = httptest.NewRequest(http.MethodOptions, "/payments/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))

	all := gin.New()
	all.Use(CORS("*"))
	all.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	w = httptest.NewRecorder()
	all.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
