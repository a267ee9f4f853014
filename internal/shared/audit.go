package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions recorded by the sale lifecycle and returns flows.
const (
	AuditSaleProcessed   = "sale:processed"
	AuditSaleConfirmed   = "sale:confirmed"
	AuditSaleCancelled   = "sale:cancelled"
	AuditSaleRefunded    = "sale:refunded"
	AuditReturnsBatch    = "sale:returns_batch"
	AuditDeductionRepair = "sale:deduction_reconciled"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	StoreID  int64
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry. A zero At is stored as the database time.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (store_id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.StoreID, log.ActorID, log.Action, log.Entity, log.EntityID, meta, at)
	return err
}
