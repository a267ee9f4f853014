package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLowStockAlert notifies that a pool dropped to its minimum.
	TaskLowStockAlert = "pos:stock:low_alert"
	// TaskLedgerReconcile replays the ledger of every product of a store.
	TaskLedgerReconcile = "pos:stock:ledger_reconcile"
	// TaskDeductionAudit looks for recent sales with missing stock deductions.
	TaskDeductionAudit = "pos:sales:deduction_audit"
	// TaskIdempotencyCleanup purges expired sale idempotency keys.
	TaskIdempotencyCleanup = "pos:sales:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewLowStockTask constructs the alert task.
func NewLowStockTask(alert inventory.LowStockAlert) (*asynq.Task, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockAlert, data, asynq.MaxRetry(3), asynq.Timeout(30*time.Second)), nil
}

// LedgerReconcilePayload selects the stores to replay.
type LedgerReconcilePayload struct {
	StoreIDs    []int64 `json:"store_ids"`
	Concurrency int     `json:"concurrency,omitempty"`
}

// NewLedgerReconcileTask constructs the reconcile task.
func NewLedgerReconcileTask(storeIDs []int64) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerReconcilePayload{StoreIDs: storeIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, data, asynq.Timeout(30*time.Minute)), nil
}

// DeductionAuditPayload selects the stores and how far back to look.
type DeductionAuditPayload struct {
	StoreIDs []int64  `json:"store_ids"`
	Window   Duration `json:"window"`
	// Repair re-runs the missing deductions as ActorID.
	Repair  bool  `json:"repair,omitempty"`
	ActorID int64 `json:"actor_id,omitempty"`
}

// NewDeductionAuditTask constructs the audit task.
func NewDeductionAuditTask(payload DeductionAuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeductionAudit, data, asynq.Timeout(15*time.Minute)), nil
}

// Duration encodes as a Go duration string such as "24h".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// IdempotencyCleanupPayload sets the age after which keys are purged.
type IdempotencyCleanupPayload struct {
	OlderThan Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: Duration(olderThan)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
