package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
)

// SalesAuditor is implemented by *sales.Service.
type SalesAuditor interface {
	ListSales(ctx context.Context, filter sales.SaleFilter) ([]sales.Sale, error)
	DeductionGaps(ctx context.Context, saleID, storeID int64) ([]sales.SaleItem, error)
	ReconcileDeductions(ctx context.Context, saleID, storeID, actorID int64) (*sales.SaleResult, error)
}

// DeductionGap is a sale with items missing their stock deduction.
type DeductionGap struct {
	SaleID        int64
	StoreID       int64
	ReceiptNumber string
	Missing       []sales.SaleItem
	Repaired      bool
}

// DeductionAuditJob looks for completed sales whose deductions did not all commit.
type DeductionAuditJob struct {
	Sales   SalesAuditor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDeductionAuditJob initialises the audit handler.
func NewDeductionAuditJob(svc SalesAuditor, logger *slog.Logger, metrics *jobmetrics.Metrics) *DeductionAuditJob {
	return &DeductionAuditJob{
		Sales:   svc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskDeductionAudit tasks.
func (j *DeductionAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sales == nil {
		return errors.New("deduction audit: handler not configured")
	}
	var payload DeductionAuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Repair && payload.ActorID <= 0 {
		return fmt.Errorf("deduction audit: repair needs an actor: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskDeductionAudit)
	gaps, err := j.Audit(ctx, payload)
	if err != nil {
		j.logger().Error("audit failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger().Info("completed deduction audit",
		slog.Int("stores", len(payload.StoreIDs)),
		slog.Int("sales_with_gaps", len(gaps)))
	return tracker.End(nil)
}

// Audit scans completed sales created inside the payload window. With Repair
// set, missing deductions are re-run; repair failures are logged and the sale
// stays listed as not repaired.
func (j *DeductionAuditJob) Audit(ctx context.Context, payload DeductionAuditPayload) ([]DeductionGap, error) {
	window := time.Duration(payload.Window)
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := j.now()
	var out []DeductionGap
	for _, storeID := range payload.StoreIDs {
		list, err := j.Sales.ListSales(ctx, sales.SaleFilter{
			StoreID: storeID,
			Status:  sales.PaymentStatusCompleted,
			From:    now.Add(-window),
			To:      now,
			Limit:   5000,
		})
		if err != nil {
			return out, fmt.Errorf("deduction audit: list sales of store %d: %w", storeID, err)
		}
		missingItems := 0
		for _, sale := range list {
			missing, err := j.Sales.DeductionGaps(ctx, sale.ID, storeID)
			if err != nil {
				return out, fmt.Errorf("deduction audit: sale %d: %w", sale.ID, err)
			}
			if len(missing) == 0 {
				continue
			}
			missingItems += len(missing)
			gap := DeductionGap{SaleID: sale.ID, StoreID: storeID, ReceiptNumber: sale.ReceiptNumber, Missing: missing}
			j.logger().Warn("sale missing stock deductions",
				slog.Int64("store_id", storeID),
				slog.Int64("sale_id", sale.ID),
				slog.String("receipt", sale.ReceiptNumber),
				slog.Int("items", len(missing)))
			if payload.Repair {
				if _, err := j.Sales.ReconcileDeductions(ctx, sale.ID, storeID, payload.ActorID); err != nil {
					j.logger().Warn("repair deductions", slog.Int64("sale_id", sale.ID), slog.Any("error", err))
				} else {
					gap.Repaired = true
				}
			}
			out = append(out, gap)
		}
		j.metrics().AddDeductionGaps(storeID, missingItems)
	}
	return out, nil
}

func (j *DeductionAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDeductionAudit))
	}
	return slog.Default().With(slog.String("job", TaskDeductionAudit))
}

func (j *DeductionAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DeductionAuditJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
