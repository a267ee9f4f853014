package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/jobs"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListRetryTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI triggers and inspects the POS background jobs from the command line.
type JobsCLI struct {
	client    enqueuer
	inspector queueInspector
}

// NewJobsCLI connects the CLI helpers to the Redis instance backing asynq.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// TriggerOptions fills the payload of a triggered job.
type TriggerOptions struct {
	StoreIDs []int64
	Window   time.Duration
	// Repair makes the deduction audit re-run missing deductions as ActorID.
	Repair  bool
	ActorID int64
	// OlderThan bounds the idempotency cleanup; zero keeps the job default.
	OlderThan time.Duration
}

// Trigger enqueues a supported job by task type.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := buildTask(name, opts)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

func buildTask(name string, opts TriggerOptions) (*asynq.Task, error) {
	switch name {
	case jobs.TaskLedgerReconcile, jobs.TaskDeductionAudit:
		if len(opts.StoreIDs) == 0 {
			return nil, errors.New("jobs cli: no store ids configured")
		}
	}
	switch name {
	case jobs.TaskLedgerReconcile:
		return jobs.NewLedgerReconcileTask(opts.StoreIDs)
	case jobs.TaskDeductionAudit:
		if opts.Repair && opts.ActorID <= 0 {
			return nil, errors.New("jobs cli: repair needs an actor id")
		}
		return jobs.NewDeductionAuditTask(jobs.DeductionAuditPayload{
			StoreIDs: opts.StoreIDs,
			Window:   jobs.Duration(opts.Window),
			Repair:   opts.Repair,
			ActorID:  opts.ActorID,
		})
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(opts.OlderThan)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
	Paused    bool
}

// InspectQueue reports counters for the POS queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, fmt.Errorf("jobs cli: queue info: %w", err)
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
		stats.Paused = info.Paused
	}
	return stats, nil
}

// ListScheduled returns the next scheduled tasks, at most size of them.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	return c.list(ctx, size, func(opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
		return c.inspector.ListScheduledTasks(jobs.QueueDefault, opts...)
	})
}

// ListRetrying returns tasks waiting for a retry, which is where failed
// reconcile and audit runs end up.
func (c *JobsCLI) ListRetrying(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	return c.list(ctx, size, func(opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
		return c.inspector.ListRetryTasks(jobs.QueueDefault, opts...)
	})
}

func (c *JobsCLI) list(ctx context.Context, size int, fn func(...asynq.ListOption) ([]*asynq.TaskInfo, error)) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 10
	}
	return fn(asynq.PageSize(size), asynq.Page(1))
}
