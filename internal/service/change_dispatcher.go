package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/pkg/database"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
	"github.com/noah-isme/ecole-peg-api/pkg/jobs"
)

// Change channels emitted by the database triggers.
const (
	ChannelEnrollmentChanged = "enrollment_changed"
	ChannelSessionChanged    = "session_changed"
	ChannelInvoiceChanged    = "invoice_changed"
	ChannelInvoiceDeleted    = "invoice_deleted"
)

// Job types handled by the change dispatcher.
const (
	JobReconcileSession    = "reconcile_session"
	JobReconcileEnrollment = "reconcile_enrollment"
	JobInvalidateInvoice   = "invalidate_invoice"
	JobRenumberInvoices    = "renumber_invoices"
)

// Channels lists every channel the dispatcher understands.
func Channels() []string {
	return []string{ChannelEnrollmentChanged, ChannelSessionChanged, ChannelInvoiceChanged, ChannelInvoiceDeleted}
}

var channelJobs = map[string]string{
	ChannelEnrollmentChanged: JobReconcileEnrollment,
	ChannelSessionChanged:    JobReconcileSession,
	ChannelInvoiceChanged:    JobInvalidateInvoice,
	ChannelInvoiceDeleted:    JobRenumberInvoices,
}

type statusReconciler interface {
	ReconcileSession(ctx context.Context, sessionID string) (*models.ReconcileReport, error)
	ReconcileEnrollment(ctx context.Context, enrollmentID string) (*models.ReconcileReport, error)
}

type invoiceMaintainer interface {
	Invalidate(ctx context.Context, invoiceID string)
	Renumber(ctx context.Context, studentID string) error
}

// ChangeDispatcher turns committed change notifications into queued jobs and
// runs those jobs on the worker pool.
type ChangeDispatcher struct {
	reconciler statusReconciler
	invoices   invoiceMaintainer
	queue      jobEnqueuer
	metrics    *MetricsService
	logger     *zap.Logger
}

// NewChangeDispatcher constructs ChangeDispatcher. invoices may be nil.
func NewChangeDispatcher(reconciler statusReconciler, invoices invoiceMaintainer, metrics *MetricsService, logger *zap.Logger) *ChangeDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeDispatcher{reconciler: reconciler, invoices: invoices, metrics: metrics, logger: logger}
}

// UseQueue attaches the queue notifications are pushed to.
func (d *ChangeDispatcher) UseQueue(queue jobEnqueuer) {
	d.queue = queue
}

// Notify enqueues the job matching a notification. Duplicate notifications for
// an id still waiting in the queue are coalesced.
func (d *ChangeDispatcher) Notify(ctx context.Context, n database.Notification) {
	jobType, ok := channelJobs[n.Channel]
	payload := strings.TrimSpace(n.Payload)
	switch {
	case !ok:
		d.metrics.RecordNotification(n.Channel, "ignored")
		d.logger.Warn("unknown notification channel", zap.String("channel", n.Channel))
		return
	case payload == "":
		d.metrics.RecordNotification(n.Channel, "ignored")
		d.logger.Warn("notification without payload", zap.String("channel", n.Channel))
		return
	}

	job := jobs.Job{Type: jobType, Key: jobType + ":" + payload, Payload: payload}
	if d.queue == nil {
		d.metrics.RecordNotification(n.Channel, "inline")
		if err := d.Handle(ctx, job); err != nil {
			d.logger.Warn("notification handling failed", zap.String("channel", n.Channel), zap.String("payload", payload), zap.Error(err))
		}
		return
	}

	queued, err := d.queue.Enqueue(job)
	switch {
	case err != nil:
		d.metrics.RecordNotification(n.Channel, "dropped")
		d.logger.Warn("notification dropped", zap.String("channel", n.Channel), zap.String("payload", payload), zap.Error(err))
	case queued:
		d.metrics.RecordNotification(n.Channel, "queued")
	default:
		d.metrics.RecordNotification(n.Channel, "coalesced")
	}
}

// Handle runs one job. Entities deleted since the notification are skipped.
func (d *ChangeDispatcher) Handle(ctx context.Context, job jobs.Job) error {
	var err error
	switch job.Type {
	case JobReconcileSession:
		_, err = d.reconciler.ReconcileSession(ctx, job.Payload)
	case JobReconcileEnrollment:
		_, err = d.reconciler.ReconcileEnrollment(ctx, job.Payload)
	case JobInvalidateInvoice:
		if d.invoices != nil {
			d.invoices.Invalidate(ctx, job.Payload)
		}
	case JobRenumberInvoices:
		if d.invoices != nil {
			err = d.invoices.Renumber(ctx, job.Payload)
		}
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	if errors.Is(err, appErrors.ErrNotFound) {
		d.logger.Debug("job target gone", zap.String("type", job.Type), zap.String("id", job.Payload))
		return nil
	}
	return err
}
