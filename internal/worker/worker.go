// Package worker runs background payment jobs: deferred callback reconciliation
// and expiry of stale pending payments.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/reconcile"
	"github.com/aura-webinar/checkout/pkg/queue"
)

// DequeueTimeout bounds each blocking pop so the loop notices cancellation.
const DequeueTimeout = 5 * time.Second

// ReconcileProcessor applies deferred gateway callbacks from the reconcile queue.
type ReconcileProcessor struct {
	reconciler *reconcile.Reconciler
	queue      *queue.Queue
	backoff    time.Duration
	logger     *zap.Logger
}

// NewReconcileProcessor creates a reconcile job processor.
func NewReconcileProcessor(r *reconcile.Reconciler, q *queue.Queue, logger *zap.Logger) *ReconcileProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileProcessor{reconciler: r, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one reconcile job. Unknown references are retried: the callback may
// have raced the write of the gateway reference.
func (p *ReconcileProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReconcile {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	cb, err := reconcile.CallbackFromPayload(payload)
	if err != nil {
		return fmt.Errorf("decode callback: %w", err)
	}

	outcome, err := p.reconciler.Reconcile(ctx, cb)
	if errors.Is(err, reconcile.ErrAmountMismatch) {
		// The payment was failed; nothing left to retry.
		p.logger.Warn("deferred callback amount mismatch", zap.String("job_id", job.ID), zap.String("gateway_ref", cb.Reference))
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Info("deferred callback applied",
		zap.String("job_id", job.ID),
		zap.String("gateway_ref", cb.Reference),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReconcileProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if _, reErr := p.queue.Retry(ctx, job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ReconcileProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
