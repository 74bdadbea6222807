package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/clinic-service/internal/notify"
)

const dequeueTimeout = 5 * time.Second

// MailWorker drains the mail outbox queue and delivers each job. Delivery
// runs fully detached from request handling.
type MailWorker struct {
	queue  notify.Queue
	mailer notify.Mailer
	logger *zap.Logger
}

// NewMailWorker builds the worker.
func NewMailWorker(queue notify.Queue, mailer notify.Mailer, logger *zap.Logger) *MailWorker {
	return &MailWorker{queue: queue, mailer: mailer, logger: logger}
}

// Run blocks until ctx is cancelled, delivering queued mail. Delivery
// failures are logged; the job is dropped rather than retried forever.
func (w *MailWorker) Run(ctx context.Context) {
	w.logger.Info("mail worker started")
	for {
		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				w.logger.Info("mail worker stopped")
				return
			}
			w.logger.Warn("mail dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				w.logger.Info("mail worker stopped")
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			if ctx.Err() != nil {
				w.logger.Info("mail worker stopped")
				return
			}
			continue
		}

		if err := w.mailer.Send(*job); err != nil {
			w.logger.Warn("mail delivery failed",
				zap.String("to", job.To),
				zap.String("subject", job.Subject),
				zap.Error(err))
			continue
		}
		w.logger.Debug("mail delivered", zap.String("to", job.To), zap.String("subject", job.Subject))
	}
}
