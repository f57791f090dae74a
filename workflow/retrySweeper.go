package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RetrySweeper periodically re-executes FAILED operations whose backoff has
// elapsed. Correctness does not depend on it running exactly once: each
// record it picks up goes back through the row-locked execution path, so
// overlapping sweepers contend on rows, never double-fire.
type RetrySweeper struct {
	Engine  *OperationEngine
	Callers map[models.OperationKind]ExternalCaller

	// DB enables per-business advisory locks during a sweep. Optional; when
	// nil the sweep relies on row locks alone.
	DB *gorm.DB
	// Locker is a best-effort cluster mutex so only one instance sweeps at a
	// time. Optional; losing it degrades to redundant (still safe) sweeps.
	Locker *redislock.Client

	Logger   *logrus.Logger
	WorkerID string

	BatchSize    int
	PollInterval time.Duration
}

func NewRetrySweeper(engine *OperationEngine, callers map[models.OperationKind]ExternalCaller, logger *logrus.Logger) *RetrySweeper {
	return &RetrySweeper{
		Engine:       engine,
		Callers:      callers,
		Logger:       logger,
		WorkerID:     uuid.NewString(),
		BatchSize:    50,
		PollInterval: 30 * time.Second,
	}
}

func (s *RetrySweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// SweepOnce processes one batch of due operations across all businesses.
func (s *RetrySweeper) SweepOnce(ctx context.Context) {
	lock, proceed := s.obtainSweepLock(ctx)
	if !proceed {
		// Another instance holds the sweep; its batch covers the same rows.
		return
	}
	defer func() {
		if lock == nil {
			return
		}
		if releaseErr := lock.Release(ctx); releaseErr != nil && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":     "RetrySweeper",
				"worker_id": s.WorkerID,
			}).Warn("failed to release sweep lock: " + releaseErr.Error())
		}
	}()

	due, err := s.Engine.Store.FindRetryableAcrossTenants(ctx, time.Now().UTC(), s.BatchSize)
	if err != nil {
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":     "RetrySweeper",
				"worker_id": s.WorkerID,
			}).Error("failed to list retryable operations: " + err.Error())
		}
		return
	}
	if len(due) == 0 {
		return
	}

	byBusiness := map[string][]models.Operation{}
	for _, op := range due {
		byBusiness[op.BusinessId] = append(byBusiness[op.BusinessId], op)
	}

	for businessId, ops := range byBusiness {
		s.sweepBusiness(ctx, businessId, ops)
	}
}

func (s *RetrySweeper) sweepBusiness(ctx context.Context, businessId string, ops []models.Operation) {
	workerCtx := utils.SetWorkerContext(ctx, businessId)

	if s.DB != nil {
		conn := s.DB.WithContext(workerCtx)
		if err := AcquireTenantSweepLock(conn, businessId); err != nil {
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{
					"field":       "RetrySweeper",
					"business_id": businessId,
					"worker_id":   s.WorkerID,
				}).Warn("could not acquire sweep lock; skipping business: " + err.Error())
			}
			return
		}
		defer ReleaseTenantSweepLock(conn, businessId)
	}

	for _, op := range ops {
		caller, ok := s.Callers[op.Kind]
		if !ok {
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{
					"field":        "RetrySweeper",
					"business_id":  businessId,
					"operation_id": op.ID,
					"kind":         op.Kind,
				}).Error("no caller registered for operation kind")
			}
			continue
		}
		// onlyDue: re-checks next_retry_at under the lock, so a freshly
		// rescheduled backoff from a racing execution is respected.
		if _, err := s.Engine.executeLocked(workerCtx, businessId, op.ID, caller, true); err != nil {
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{
					"field":        "RetrySweeper",
					"business_id":  businessId,
					"operation_id": op.ID,
					"kind":         op.Kind,
					"worker_id":    s.WorkerID,
				}).Error("retry execution error: " + err.Error())
			}
		}
	}
}

// obtainSweepLock is best-effort: if Redis is unavailable or errors, the
// sweep proceeds anyway and row locks keep it safe. Only a cleanly held lock
// by another instance makes this sweep yield.
func (s *RetrySweeper) obtainSweepLock(ctx context.Context) (lock *redislock.Lock, proceed bool) {
	if s.Locker == nil {
		return nil, true
	}
	lock, err := s.Locker.Obtain(ctx, "lock:operation-retry-sweep", s.PollInterval, nil)
	if err == redislock.ErrNotObtained {
		return nil, false
	}
	if err != nil {
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":     "RetrySweeper",
				"worker_id": s.WorkerID,
			}).Warn("error obtaining sweep lock; proceeding without it: " + err.Error())
		}
		return nil, true
	}
	return lock, true
}
