package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
)

// Retry re-arms a FAILED operation and executes it immediately. Any other
// state is rejected through the guard with an InvalidTransitionError, so
// retrying a SUCCEEDED record fails fast instead of firing again.
func (e *OperationEngine) Retry(ctx context.Context, businessId string, id int, caller ExternalCaller) (*models.Operation, error) {
	if _, err := e.Rearm(ctx, businessId, id); err != nil {
		return nil, err
	}
	return e.Execute(ctx, businessId, id, caller)
}

// Rearm resets a FAILED operation to REQUESTED without executing it. This is
// the operator path for records past the retry ceiling (next_retry_at NULL):
// after re-arm the next Execute or sweep picks them up again.
func (e *OperationEngine) Rearm(ctx context.Context, businessId string, id int) (*models.Operation, error) {
	var out *models.Operation
	err := e.Store.WithRowLock(ctx, businessId, id, func(op *models.Operation) (bool, error) {
		if err := op.Rearm(); err != nil {
			return false, err
		}
		out = op
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
