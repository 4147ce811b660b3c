package broker

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/protocol"
	"github.com/mattjoyce/formbroker/internal/queue"
)

// RunRefreshes drains the refresh queue until ctx ends. Each pass also
// expires publish requests no host accepted in time.
func (b *Broker) RunRefreshes(ctx context.Context) error {
	if b.queue == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		if err := b.DrainRefreshes(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("refresh pass failed", "error", err)
		}
		if n := b.reg.ExpirePublishes(b.now().Add(-b.publishTTL)); n > 0 {
			b.logger.Info("expired publish requests", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainRefreshes runs every queued refresh job and returns when the queue is
// empty.
func (b *Broker) DrainRefreshes(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := b.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		b.runRefresh(ctx, job)
	}
}

func (b *Broker) runRefresh(ctx context.Context, job *queue.Job) {
	status := queue.StatusSucceeded
	var lastErr *string

	rec, ok := b.reg.Get(job.FormID)
	if !ok {
		status = queue.StatusDead
		msg := "form no longer exists"
		lastErr = &msg
	} else if err := b.refresh(rec, "", protocol.NewWant(), false); err != nil {
		status = queue.StatusFailed
		msg := err.Error()
		lastErr = &msg
	}

	if err := b.queue.Complete(ctx, job.ID, status, lastErr); err != nil {
		b.logger.Error("failed to complete refresh job", "job_id", job.ID, "error", err)
	}
	b.logger.Debug("refresh job done", "job_id", job.ID, "form_id", job.FormID, "reason", job.Reason, "status", string(status))
	b.hub.Publish(events.RefreshRun, map[string]any{
		"job_id": job.ID, "form_id": job.FormID, "reason": job.Reason, "status": status,
	})
}
