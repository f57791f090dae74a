package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"gorm.io/gorm"
)

// NOTE: These tests are intentionally DB-free. memoryStore emulates the MySQL
// store's contract: a unique index on (business_id, kind, natural_key) and an
// exclusive per-row lock held across the WithRowLock callback. Full DB
// integration tests should run in an environment with MySQL available.

type memoryStore struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]*models.Operation
	byKey  map[string]int
	locks  map[int]*sync.Mutex
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		nextID: 1,
		byID:   map[int]*models.Operation{},
		byKey:  map[string]int{},
		locks:  map[int]*sync.Mutex{},
	}
}

func opKey(businessId string, kind models.OperationKind, naturalKey string) string {
	return businessId + "|" + string(kind) + "|" + naturalKey
}

func cloneOp(op *models.Operation) *models.Operation {
	cp := *op
	return &cp
}

func (s *memoryStore) FindByNaturalKey(ctx context.Context, businessId string, kind models.OperationKind, naturalKey string) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[opKey(businessId, kind, naturalKey)]
	if !ok {
		return nil, nil
	}
	return cloneOp(s.byID[id]), nil
}

func (s *memoryStore) Insert(ctx context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey(op.BusinessId, op.Kind, op.NaturalKey)
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicateOperation
	}
	op.ID = s.nextID
	s.nextID++
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now
	s.byKey[key] = op.ID
	s.byID[op.ID] = cloneOp(op)
	s.locks[op.ID] = &sync.Mutex{}
	return nil
}

func (s *memoryStore) GetById(ctx context.Context, businessId string, id int) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.byID[id]
	if !ok || op.BusinessId != businessId {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneOp(op), nil
}

func (s *memoryStore) FindRetryable(ctx context.Context, businessId string, now time.Time, limit int) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, op := range s.byID {
		if op.BusinessId != businessId {
			continue
		}
		if op.State != models.OperationStateFailed || op.NextRetryAt == nil || op.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *cloneOp(op))
	}
	return sortAndBound(out, limit), nil
}

func (s *memoryStore) FindRetryableAcrossTenants(ctx context.Context, now time.Time, limit int) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, op := range s.byID {
		if op.State != models.OperationStateFailed || op.NextRetryAt == nil || op.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *cloneOp(op))
	}
	return sortAndBound(out, limit), nil
}

// sortAndBound matches the SQL store's ORDER BY next_retry_at ASC LIMIT n.
func sortAndBound(ops []models.Operation, limit int) []models.Operation {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].NextRetryAt.Before(*ops[j].NextRetryAt)
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops
}

func (s *memoryStore) WithRowLock(ctx context.Context, businessId string, id int, fn func(op *models.Operation) (bool, error)) error {
	s.mu.Lock()
	rowLock, ok := s.locks[id]
	if !ok {
		s.mu.Unlock()
		return gorm.ErrRecordNotFound
	}
	s.mu.Unlock()

	rowLock.Lock()
	defer rowLock.Unlock()

	s.mu.Lock()
	stored, ok := s.byID[id]
	if !ok || stored.BusinessId != businessId {
		s.mu.Unlock()
		return gorm.ErrRecordNotFound
	}
	working := cloneOp(stored)
	s.mu.Unlock()

	save, err := fn(working)
	if err != nil {
		return err
	}
	if !save {
		return nil
	}

	s.mu.Lock()
	working.UpdatedAt = time.Now()
	s.byID[id] = cloneOp(working)
	s.mu.Unlock()
	return nil
}
