package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
)

// LowStockBoardKey is the redis hash holding the current low stock products of a store.
func LowStockBoardKey(storeID int64) string {
	return fmt.Sprintf("pos:store:%d:low_stock", storeID)
}

// LowStockAlertJob records low stock alerts on a per-store redis board.
type LowStockAlertJob struct {
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockAlertJob initialises the alert handler. redis may be nil, in
// which case alerts are only logged.
func NewLowStockAlertJob(client *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockAlertJob {
	return &LowStockAlertJob{Redis: client, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLowStockAlert tasks.
func (j *LowStockAlertJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("low stock alert: handler not configured")
	}
	var alert inventory.LowStockAlert
	if err := json.Unmarshal(t.Payload(), &alert); err != nil {
		return asynq.SkipRetry
	}
	if alert.StoreID <= 0 || alert.ProductID <= 0 || !alert.Pool.Valid() {
		return fmt.Errorf("low stock alert: incomplete payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskLowStockAlert)

	j.logger().Warn("product below minimum stock",
		slog.Int64("store_id", alert.StoreID),
		slog.Int64("product_id", alert.ProductID),
		slog.String("name", alert.Name),
		slog.String("stock_type", string(alert.Pool)),
		slog.Int("quantity", alert.Quantity),
		slog.Int("min_stock", alert.MinStock))

	if j.Redis != nil {
		field := strconv.FormatInt(alert.ProductID, 10) + ":" + string(alert.Pool)
		value, err := json.Marshal(alert)
		if err != nil {
			return tracker.End(err)
		}
		if err := j.Redis.HSet(ctx, LowStockBoardKey(alert.StoreID), field, value).Err(); err != nil {
			return tracker.End(fmt.Errorf("low stock alert: update board: %w", err))
		}
	}
	j.metrics().AddLowStockAlert(string(alert.Pool))
	return tracker.End(nil)
}

func (j *LowStockAlertJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLowStockAlert))
	}
	return slog.Default().With(slog.String("job", TaskLowStockAlert))
}

func (j *LowStockAlertJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
