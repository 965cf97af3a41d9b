package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/pkg/storage"
)

// ObjectStore uploads report files and signs download links.
type ObjectStore interface {
	ReportsBucket() string
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// Export is a finished report upload.
type Export struct {
	Key         string    `json:"key"`
	DownloadURL string    `json:"download_url"`
	Rows        int       `json:"rows"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Exporter writes usage count reports to object storage.
type Exporter struct {
	store   Store
	objects ObjectStore
	logger  *zap.Logger
}

// NewExporter creates a usage report exporter.
func NewExporter(store Store, objects ObjectStore, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, objects: objects, logger: logger}
}

var usageHeader = []string{"code", "code_id", "max_uses", "current_uses", "usage_rows", "total_discount"}

// WriteUsageCSV renders usage counts as CSV.
func WriteUsageCSV(w io.Writer, counts []models.CodeUsageCount) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(usageHeader); err != nil {
		return err
	}
	for _, c := range counts {
		maxUses := ""
		if c.MaxUses != nil {
			maxUses = strconv.Itoa(*c.MaxUses)
		}
		record := []string{
			c.Code,
			c.CodeID.String(),
			maxUses,
			strconv.Itoa(c.CurrentUses),
			strconv.Itoa(c.UsageRows),
			c.TotalDiscount.String(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportUsage uploads the current usage counts and returns a presigned link.
func (e *Exporter) ExportUsage(ctx context.Context) (*Export, error) {
	counts, err := e.store.UsageCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load usage counts: %w", err)
	}
	var buf bytes.Buffer
	if err := WriteUsageCSV(&buf, counts); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}

	now := time.Now()
	bucket := e.objects.ReportsBucket()
	key := storage.ReportKey(now, "discount-usage-"+now.UTC().Format("20060102T150405Z")+".csv")
	size := int64(buf.Len())
	if _, err := e.objects.Upload(ctx, bucket, key, "text/csv", &buf, size); err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}
	expires := e.objects.PresignExpire()
	url, err := e.objects.GeneratePresignedDownloadURL(ctx, bucket, key, expires)
	if err != nil {
		return nil, fmt.Errorf("presign report: %w", err)
	}
	e.logger.Info("usage report exported", zap.String("bucket", bucket), zap.String("key", key), zap.Int("rows", len(counts)))
	return &Export{Key: key, DownloadURL: url, Rows: len(counts), ExpiresAt: now.Add(expires)}, nil
}
