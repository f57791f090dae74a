package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"github.com/sirupsen/logrus"
)

// Execute runs the external call for one operation record, at most once.
// Safe to call repeatedly and concurrently for the same id: executions are
// totally ordered by the row lock, and a worker that lost the lock race sees
// the finished outcome instead of firing the side effect again.
//
// External call failures are absorbed: the record comes back FAILED with the
// error and the next retry time on it, and Execute returns nil error.
func (e *OperationEngine) Execute(ctx context.Context, businessId string, id int, caller ExternalCaller) (*models.Operation, error) {
	return e.executeLocked(ctx, businessId, id, caller, false)
}

// executeLocked is Execute plus the sweeper's due-time check. onlyDue skips
// FAILED records whose backoff has not elapsed, so a second sweeper racing on
// the same page cannot cancel a freshly scheduled backoff.
func (e *OperationEngine) executeLocked(ctx context.Context, businessId string, id int, caller ExternalCaller, onlyDue bool) (*models.Operation, error) {
	var out *models.Operation
	err := e.Store.WithRowLock(ctx, businessId, id, func(op *models.Operation) (bool, error) {
		now := e.now()

		switch op.State {
		case models.OperationStateSucceeded:
			// Re-validation under the lock: the effect already fired.
			out = op
			return false, nil
		case models.OperationStateInProgress:
			// A long-running holder recorded this marker; respect it.
			out = op
			return false, nil
		case models.OperationStateFailed:
			if onlyDue && (op.NextRetryAt == nil || op.NextRetryAt.After(now)) {
				out = op
				return false, nil
			}
			if err := op.Rearm(); err != nil {
				return false, err
			}
		}

		if err := op.TransitionTo(models.OperationStateInProgress); err != nil {
			return false, err
		}
		op.AttemptCount++

		result, callErr := e.invokeCaller(ctx, caller, op)
		if callErr != nil {
			code, message := classifyCallError(callErr)
			// Backoff counts from when the call finished, not when it started.
			next := e.RetryCfg.NextRetryAt(e.now(), op.AttemptCount)
			if err := op.MarkFailed(code, message, next); err != nil {
				return false, err
			}
			e.logOutcome(op, callErr)
			out = op
			return true, nil
		}

		if err := op.MarkSucceeded(result.ResultKey, result.ResponsePayload); err != nil {
			return false, err
		}
		e.logOutcome(op, nil)
		out = op
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// invokeCaller bounds the external call with the engine timeout and converts
// panics into ordinary failures, so a transport-level blowup cannot leave the
// record stuck mid-execution.
func (e *OperationEngine) invokeCaller(ctx context.Context, caller ExternalCaller, op *models.Operation) (result CallResult, err error) {
	callCtx := ctx
	if e.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.CallTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("external caller panic: %v", r)
		}
	}()

	return caller.Call(callCtx, op)
}

func classifyCallError(err error) (code string, message string) {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Code, callErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", err.Error()
	}
	return "external_error", err.Error()
}

func (e *OperationEngine) logOutcome(op *models.Operation, callErr error) {
	if e.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":          "OperationEngine",
		"business_id":    op.BusinessId,
		"kind":           op.Kind,
		"natural_key":    op.NaturalKey,
		"operation_id":   op.ID,
		"state":          op.State,
		"attempt_count":  op.AttemptCount,
		"correlation_id": op.CorrelationId,
	}
	if callErr != nil {
		if op.NextRetryAt == nil {
			fields["retry_exhausted"] = true
		}
		e.Logger.WithFields(fields).Error("operation execution failed: " + callErr.Error())
		return
	}
	e.Logger.WithFields(fields).Info("operation executed successfully")
}
