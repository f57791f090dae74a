package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
)

// CallResult is what a successful external call hands back to the engine.
// ResultKey is the externally meaningful outcome (tracking number, ERP
// document number, summary counts) that callers actually want.
type CallResult struct {
	ResultKey       string
	ResponsePayload []byte
}

// ExternalCaller performs the actual network side effect for one operation.
// The engine guarantees it is invoked at most once per transition into
// SUCCEEDED; the caller does not need its own idempotency.
type ExternalCaller interface {
	Call(ctx context.Context, op *models.Operation) (CallResult, error)
}

// CallerFunc adapts a plain function to ExternalCaller.
type CallerFunc func(ctx context.Context, op *models.Operation) (CallResult, error)

func (f CallerFunc) Call(ctx context.Context, op *models.Operation) (CallResult, error) {
	return f(ctx, op)
}

// CallError carries a stable error code alongside the message, so the
// operation row records something operators can filter on.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return e.Code + ": " + e.Message
}

func NewCallError(code, message string) *CallError {
	return &CallError{Code: code, Message: message}
}
