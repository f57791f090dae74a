package models

import (
	"fmt"
	"time"
)

type OperationKind string

const (
	OperationKindSyncRun       OperationKind = "SYNC_RUN"
	OperationKindErpPosting    OperationKind = "ERP_POSTING"
	OperationKindShipmentLabel OperationKind = "SHIPMENT_LABEL"
	OperationKindTrackingPush  OperationKind = "TRACKING_PUSH"
)

type OperationState string

const (
	OperationStateRequested  OperationState = "REQUESTED"
	OperationStateInProgress OperationState = "IN_PROGRESS"
	OperationStateSucceeded  OperationState = "SUCCEEDED"
	OperationStateFailed     OperationState = "FAILED"
)

// Operation is the durable idempotency ledger entry for one external side
// effect. Exactly one row exists per (business_id, kind, natural_key); the
// unique index is what makes create-or-get races resolve to a single winner.
// Rows are never deleted.
type Operation struct {
	ID         int            `gorm:"primary_key" json:"id"`
	BusinessId string         `gorm:"size:64;not null;index:uniq_operation,unique,priority:1;index:idx_operation_retry,priority:1" json:"business_id"`
	Kind       OperationKind  `gorm:"size:32;not null;index:uniq_operation,unique,priority:2;index:idx_operation_retry,priority:2" json:"kind"`
	NaturalKey string         `gorm:"size:255;not null;index:uniq_operation,unique,priority:3" json:"natural_key"`
	State      OperationState `gorm:"size:20;not null;index:idx_operation_retry,priority:3" json:"state"`

	AttemptCount int        `gorm:"not null;default:0" json:"attempt_count"`
	NextRetryAt  *time.Time `gorm:"index:idx_operation_retry,priority:4" json:"next_retry_at"`

	LastErrorCode    *string `gorm:"size:64" json:"last_error_code"`
	LastErrorMessage *string `gorm:"type:text" json:"last_error_message"`

	RequestPayload  []byte  `gorm:"type:json" json:"request_payload"`
	ResponsePayload []byte  `gorm:"type:json" json:"response_payload"`
	ResultKey       *string `gorm:"size:255" json:"result_key"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvalidTransitionError rejects a state change the machine does not allow.
// It names both states so misordered callers are debuggable from the message.
type InvalidTransitionError struct {
	From OperationState
	To   OperationState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid operation state transition %s -> %s", e.From, e.To)
}

// allowedTransitions is the whole state machine. REQUESTED may go terminal
// directly for kinds that fold IN_PROGRESS; FAILED -> REQUESTED is the re-arm
// edge; SUCCEEDED has no outbound edges.
var allowedTransitions = map[OperationState][]OperationState{
	OperationStateRequested:  {OperationStateInProgress, OperationStateSucceeded, OperationStateFailed},
	OperationStateInProgress: {OperationStateSucceeded, OperationStateFailed},
	OperationStateFailed:     {OperationStateRequested},
	OperationStateSucceeded:  {},
}

func CanTransitionOperation(from, to OperationState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo is the only way any code path may change State.
func (op *Operation) TransitionTo(to OperationState) error {
	if !CanTransitionOperation(op.State, to) {
		return &InvalidTransitionError{From: op.State, To: to}
	}
	op.State = to
	return nil
}

// MarkSucceeded records the terminal outcome of a successful external call.
// ResultKey is write-once: a record that already carries one must never be
// executed again, the locked execution protocol short-circuits before here.
func (op *Operation) MarkSucceeded(resultKey string, responsePayload []byte) error {
	if err := op.TransitionTo(OperationStateSucceeded); err != nil {
		return err
	}
	op.ResultKey = &resultKey
	if len(responsePayload) > 0 {
		op.ResponsePayload = responsePayload
	}
	op.LastErrorCode = nil
	op.LastErrorMessage = nil
	op.NextRetryAt = nil
	return nil
}

// MarkFailed records a failed external call. nextRetryAt is nil once the
// retry ceiling is reached; such rows stay FAILED until an operator re-arms.
func (op *Operation) MarkFailed(code, message string, nextRetryAt *time.Time) error {
	if err := op.TransitionTo(OperationStateFailed); err != nil {
		return err
	}
	op.LastErrorCode = &code
	op.LastErrorMessage = &message
	op.NextRetryAt = nextRetryAt
	return nil
}

// Rearm resets a FAILED operation so it can be attempted again.
func (op *Operation) Rearm() error {
	if err := op.TransitionTo(OperationStateRequested); err != nil {
		return err
	}
	op.LastErrorCode = nil
	op.LastErrorMessage = nil
	op.NextRetryAt = nil
	return nil
}
