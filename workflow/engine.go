package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"github.com/sirupsen/logrus"
)

// OperationEngine drives operation records through their lifecycle:
// create-or-get by natural key, lock-serialized execution of the external
// call, and staged retry scheduling. All writes to operation rows go through
// it; nothing else may touch state, attempts, result, or the error fields.
type OperationEngine struct {
	Store  OperationStore
	Logger *logrus.Logger

	RetryCfg    RetryConfig
	CallTimeout time.Duration

	now func() time.Time
}

func NewOperationEngine(store OperationStore, logger *logrus.Logger) *OperationEngine {
	return &OperationEngine{
		Store:       store,
		Logger:      logger,
		RetryCfg:    GetRetryConfig(),
		CallTimeout: 30 * time.Second,
		now:         time.Now,
	}
}

func (e *OperationEngine) GetById(ctx context.Context, businessId string, id int) (*models.Operation, error) {
	return e.Store.GetById(ctx, businessId, id)
}

// GetByNaturalKey returns (nil, nil) when no record exists yet.
func (e *OperationEngine) GetByNaturalKey(ctx context.Context, businessId string, kind models.OperationKind, naturalKey string) (*models.Operation, error) {
	return e.Store.FindByNaturalKey(ctx, businessId, kind, naturalKey)
}

// FindRetryable lists FAILED operations whose next_retry_at has passed,
// oldest due first, bounded so one sweep cannot monopolize a worker.
func (e *OperationEngine) FindRetryable(ctx context.Context, businessId string, now time.Time, limit int) ([]models.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Store.FindRetryable(ctx, businessId, now, limit)
}
