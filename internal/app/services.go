package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/returns"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/store/memory"
)

// Services is the assembled domain layer shared by the API and the worker.
type Services struct {
	Ledger      *inventory.Ledger
	Sales       *sales.Service
	Returns     *returns.Service
	Idempotency *shared.IdempotencyStore
	// Memory is set when no database is configured.
	Memory *memory.Store
}

// ServiceParams carries the infrastructure Services is built on. Pool nil
// selects the in-memory store; Redis nil keeps the returns lock in process.
type ServiceParams struct {
	Config  *Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Alerts  inventory.AlertPublisher
}

// NewServices wires repositories, ledger and engines.
func NewServices(p ServiceParams) *Services {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := 3
	lockTTL := shared.DefaultLockTTL
	if p.Config != nil {
		retries = p.Config.StockUpdateMaxRetries
		lockTTL = p.Config.ReturnsLockTTL
	}

	var (
		invRepo   inventory.RepositoryPort
		salesRepo sales.RepositoryPort
		audit     sales.AuditPort
		idem      sales.IdempotencyPort
		out       = &Services{}
	)
	if p.Pool != nil {
		invRepo = inventory.NewRepository(p.Pool)
		salesRepo = sales.NewRepository(p.Pool)
		audit = shared.NewAuditLogger(p.Pool)
		out.Idempotency = shared.NewIdempotencyStore(p.Pool)
		idem = out.Idempotency
	} else {
		logger.Warn("no database configured, using in-memory store")
		out.Memory = memory.New()
		invRepo, salesRepo, audit, idem = out.Memory, out.Memory, out.Memory, out.Memory
	}

	var locker sales.Locker
	if p.Redis != nil {
		locker = shared.NewRedisLocker(p.Redis, lockTTL)
	} else {
		locker = shared.NewLocalLocker(lockTTL)
	}

	out.Ledger = inventory.NewLedger(invRepo, logger, p.Metrics, p.Alerts, inventory.LedgerConfig{MaxRetries: retries})
	out.Sales = sales.NewService(salesRepo, out.Ledger, sales.ServiceDeps{
		Audit:       audit,
		Idempotency: idem,
		Locker:      locker,
		Metrics:     p.Metrics,
		Logger:      logger,
	})
	deps := returns.ServiceDeps{Locker: locker, Audit: audit, Metrics: p.Metrics, Logger: logger}
	out.Returns = returns.NewService(out.Sales, out.Ledger, deps)
	return out
}
