package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer fails pending payments created before cutoff.
type Expirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
	// RetryReleases releases usages still held by FAILED payments.
	RetryReleases(ctx context.Context, limit int) (int, error)
}

// Sweeper periodically expires payments that never received a gateway verdict,
// which releases their discount reservations.
type Sweeper struct {
	payments Expirer
	timeout  time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

// NewSweeper creates a sweeper. Payments pending longer than timeout are failed,
// at most batch per pass.
func NewSweeper(payments Expirer, timeout, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch < 1 {
		batch = 100
	}
	return &Sweeper{payments: payments, timeout: timeout, interval: interval, batch: batch, now: time.Now, logger: logger}
}

// SweepOnce runs passes until a pass expires less than a full batch, then retries
// one batch of releases that failed after their payment was failed. It returns
// how many payments were expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	total := 0
	for {
		n, err := s.payments.ExpireStale(ctx, cutoff, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batch || ctx.Err() != nil {
			break
		}
	}
	released, err := s.payments.RetryReleases(ctx, s.batch)
	if err != nil {
		return total, err
	}
	if released > 0 {
		s.logger.Warn("released usages left behind by failed payments", zap.Int("released", released))
	}
	return total, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("payment sweeper stopping")
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err), zap.Int("expired", n))
				continue
			}
			if n > 0 {
				s.logger.Debug("sweep pass done", zap.Int("expired", n))
			}
		}
	}
}
