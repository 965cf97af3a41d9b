package reports_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/reports"
	"github.com/aura-webinar/checkout/internal/store/memory"
	"github.com/aura-webinar/checkout/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memObjects struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (m *memObjects) ReportsBucket() string { return "reports-bucket" }

func (m *memObjects) Upload(_ context.Context, bucket, key, contentType string, body io.Reader, _ int64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.bucket, m.key, m.contentType, m.body = bucket, key, contentType, b
	return key, nil
}

func (m *memObjects) GeneratePresignedDownloadURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".s3.test/" + key + "?sig=1", nil
}

func (m *memObjects) PresignExpire() time.Duration { return 15 * time.Minute }

// seeded stores two codes and reservations for one event.
func seeded(t *testing.T) (*memory.Store, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	l := ledger.New(st.Ledger(), ledger.DefaultRetryConfig, nil)
	event := uuid.New()
	for _, dc := range []*models.DiscountCode{
		{Code: "SAVE10", Kind: models.DiscountPercentage, Value: decimal.NewFromInt(10), IsActive: true},
		{Code: "FLAT", Kind: models.DiscountFixedAmount, Value: decimal.NewFromInt(300), IsActive: true},
	} {
		require.NoError(t, st.Discounts().Create(ctx, dc))
		for i := 0; i < 2; i++ {
			paymentID := uuid.New()
			usage, err := l.Reserve(ctx, ledger.ReserveParams{
				CodeID: dc.ID, UserID: uuid.New(), EventID: event, PaymentID: paymentID, OriginalAmount: decimal.NewFromInt(1000),
			})
			require.NoError(t, err)
			status := models.PaymentStatusPending
			if i == 0 {
				status = models.PaymentStatusCompleted
			}
			require.NoError(t, st.Payments().Create(ctx, &models.Payment{
				ID: paymentID, UserID: usage.UserID, EventID: event, Amount: usage.FinalAmount,
				Currency: "IRR", Status: status, Gateway: "test", UsageID: &usage.ID,
			}))
		}
	}
	return st, event
}

func TestWriteUsageCSV(t *testing.T) {
	maxUses := 5
	var buf bytes.Buffer
	require.NoError(t, reports.WriteUsageCSV(&buf, []models.CodeUsageCount{
		{CodeID: uuid.New(), Code: "SAVE10", MaxUses: &maxUses, CurrentUses: 2, UsageRows: 2, TotalDiscount: decimal.NewFromInt(200)},
		{CodeID: uuid.New(), Code: "OPEN", CurrentUses: 0, TotalDiscount: decimal.Zero},
	}))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "code", rows[0][0])
	assert.Equal(t, []string{"SAVE10", rows[1][1], "5", "2", "2", "200"}, rows[1])
	assert.Equal(t, "", rows[2][2], "unlimited codes have no max")
}

func TestExportUsage(t *testing.T) {
	st, _ := seeded(t)
	objects := &memObjects{}
	exp := reports.NewExporter(st.Reports(), objects, nil)

	out, err := exp.ExportUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Rows)
	assert.Equal(t, "reports-bucket", objects.bucket)
	assert.Equal(t, "text/csv", objects.contentType)
	assert.True(t, strings.HasPrefix(out.Key, "reports/"))
	assert.Contains(t, out.DownloadURL, out.Key)
	assert.Contains(t, string(objects.body), "FLAT")

	_, err = reports.NewExporter(st.Reports(), &memObjects{err: errors.New("denied")}, nil).ExportUsage(context.Background())
	assert.ErrorContains(t, err, "denied")
}

func getJSON(t *testing.T, r http.Handler, method, path string) (int, response.Body) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func newRouter(st *memory.Store, exporter *reports.Exporter) *gin.Engine {
	h := reports.NewHandler(st.Reports(), st.Discounts(), exporter, nil)
	r := gin.New()
	r.GET("/admin/discount-codes/usage", h.UsageCounts)
	r.POST("/admin/discount-codes/usage/export", h.ExportUsage)
	r.GET("/admin/discount-codes/:code/usages", h.CodeUsages)
	r.GET("/admin/users/:id/discount-usages", h.UserUsages)
	r.GET("/admin/events/:id/summary", h.EventSummary)
	return r
}

func TestHandlerReports(t *testing.T) {
	st, event := seeded(t)
	r := newRouter(st, nil)

	code, body := getJSON(t, r, http.MethodGet, "/admin/discount-codes/usage")
	require.Equal(t, http.StatusOK, code)
	counts := body.Data.([]any)
	require.Len(t, counts, 2)
	first := counts[0].(map[string]any)
	assert.Equal(t, "FLAT", first["code"])
	assert.EqualValues(t, 2, first["current_uses"])
	assert.Equal(t, "600", first["total_discount"])

	code, body = getJSON(t, r, http.MethodGet, "/admin/discount-codes/save10/usages?limit=1")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Data.(map[string]any)["usages"].([]any), 1)

	code, _ = getJSON(t, r, http.MethodGet, "/admin/discount-codes/NOPE/usages")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = getJSON(t, r, http.MethodGet, "/admin/discount-codes/SAVE10/usages?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = getJSON(t, r, http.MethodGet, "/admin/events/"+event.String()+"/summary")
	require.Equal(t, http.StatusOK, code)
	sum := body.Data.(map[string]any)
	assert.EqualValues(t, 2, sum["completed"])
	assert.EqualValues(t, 2, sum["pending"])
	assert.EqualValues(t, 2, sum["redeemed_codes"])
	assert.Equal(t, "400", sum["discount_given"], "100 from SAVE10 and 300 from FLAT")
	assert.Equal(t, "1600", sum["revenue"], "900 + 700")

	code, body = getJSON(t, r, http.MethodGet, "/admin/users/"+uuid.NewString()+"/discount-usages")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body.Data.(map[string]any)["usages"])

	code, _ = getJSON(t, r, http.MethodPost, "/admin/discount-codes/usage/export")
	assert.Equal(t, http.StatusServiceUnavailable, code, "export not configured")

	r = newRouter(st, reports.NewExporter(st.Reports(), &memObjects{}, nil))
	code, body = getJSON(t, r, http.MethodPost, "/admin/discount-codes/usage/export")
	require.Equal(t, http.StatusCreated, code)
	assert.EqualValues(t, 2, body.Data.(map[string]any)["rows"])
}
