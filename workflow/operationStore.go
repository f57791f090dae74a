package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateOperation is returned by Insert when the unique index on
// (business_id, kind, natural_key) rejects the row. Create-or-get absorbs it;
// it must never surface past the engine.
var ErrDuplicateOperation = errors.New("duplicate operation")

// OperationStore is the durable table behind the engine. The row lock in
// WithRowLock is the serialization point that makes concurrent execution of
// the same record safe.
type OperationStore interface {
	FindByNaturalKey(ctx context.Context, businessId string, kind models.OperationKind, naturalKey string) (*models.Operation, error)
	Insert(ctx context.Context, op *models.Operation) error
	GetById(ctx context.Context, businessId string, id int) (*models.Operation, error)
	FindRetryable(ctx context.Context, businessId string, now time.Time, limit int) ([]models.Operation, error)
	FindRetryableAcrossTenants(ctx context.Context, now time.Time, limit int) ([]models.Operation, error)

	// WithRowLock runs fn inside a transaction holding an exclusive lock on
	// the operation row. Mutations to op are persisted iff fn returns
	// (true, nil); the lock is held from the read through the write.
	WithRowLock(ctx context.Context, businessId string, id int, fn func(op *models.Operation) (save bool, err error)) error
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// GormOperationStore is the MySQL-backed store used in production.
type GormOperationStore struct {
	DB *gorm.DB
}

func NewOperationStore(db *gorm.DB) *GormOperationStore {
	return &GormOperationStore{DB: db}
}

func (s *GormOperationStore) FindByNaturalKey(ctx context.Context, businessId string, kind models.OperationKind, naturalKey string) (*models.Operation, error) {
	var op models.Operation
	err := s.DB.WithContext(ctx).
		Where("business_id = ? AND kind = ? AND natural_key = ?", businessId, kind, naturalKey).
		Take(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &op, nil
}

func (s *GormOperationStore) Insert(ctx context.Context, op *models.Operation) error {
	if err := s.DB.WithContext(ctx).Create(op).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateOperation
		}
		return err
	}
	return nil
}

func (s *GormOperationStore) GetById(ctx context.Context, businessId string, id int) (*models.Operation, error) {
	var op models.Operation
	err := s.DB.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&op).Error
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *GormOperationStore) FindRetryable(ctx context.Context, businessId string, now time.Time, limit int) ([]models.Operation, error) {
	var ops []models.Operation
	err := s.DB.WithContext(ctx).
		Where("business_id = ? AND state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			businessId, models.OperationStateFailed, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

func (s *GormOperationStore) FindRetryableAcrossTenants(ctx context.Context, now time.Time, limit int) ([]models.Operation, error) {
	var ops []models.Operation
	err := s.DB.WithContext(ctx).
		Where("state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			models.OperationStateFailed, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

func (s *GormOperationStore) WithRowLock(ctx context.Context, businessId string, id int, fn func(op *models.Operation) (bool, error)) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		// Blocks until any concurrent holder of this row commits or rolls back.
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND business_id = ?", id, businessId).
			Take(&op).Error; err != nil {
			return err
		}

		save, err := fn(&op)
		if err != nil {
			return err
		}
		if !save {
			return nil
		}
		return tx.Save(&op).Error
	})
}
