package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
)

// CreateOrGet returns the one operation record for this natural key, creating
// it in REQUESTED state if it does not exist yet. A duplicate request never
// errors: callers may receive a record that is already FAILED or SUCCEEDED
// from a prior attempt, never a fresh duplicate of their own.
func (e *OperationEngine) CreateOrGet(ctx context.Context, businessId string, kind models.OperationKind, naturalKey string, requestPayload []byte) (*models.Operation, error) {
	existing, err := e.Store.FindByNaturalKey(ctx, businessId, kind, naturalKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	op := &models.Operation{
		BusinessId:     businessId,
		Kind:           kind,
		NaturalKey:     naturalKey,
		State:          models.OperationStateRequested,
		AttemptCount:   0,
		RequestPayload: requestPayload,
		CorrelationId:  correlationId,
	}

	insertErr := e.Store.Insert(ctx, op)
	if insertErr == nil {
		return op, nil
	}
	if !errors.Is(insertErr, ErrDuplicateOperation) {
		return nil, insertErr
	}

	// A concurrent caller won the insert race; their row must now be visible.
	winner, err := e.Store.FindByNaturalKey(ctx, businessId, kind, naturalKey)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		// The committed winner row is not visible yet. Transient; the caller
		// retries the whole create-or-get.
		return nil, fmt.Errorf("operation %s %s not visible after duplicate insert", kind, naturalKey)
	}
	return winner, nil
}
