package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReportKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("IRST", 3*3600+1800))
	assert.Equal(t, "reports/2026/03/usage.csv", ReportKey(at, "usage.csv"))
	assert.Equal(t, "reports/2026/03/x.csv", ReportKey(at, "../../x.csv"), "names cannot escape the folder")
}

func TestPresignExpire(t *testing.T) {
	assert.Equal(t, 15*time.Minute, (&S3{cfg: S3Config{}}).PresignExpire())
	assert.Equal(t, 5*time.Minute, (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire())
}
