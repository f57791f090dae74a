package models

import (
	"errors"
	"testing"
	"time"
)

func TestOperationTransitions_FullMatrix(t *testing.T) {
	states := []OperationState{
		OperationStateRequested,
		OperationStateInProgress,
		OperationStateSucceeded,
		OperationStateFailed,
	}

	allowed := map[[2]OperationState]bool{
		{OperationStateRequested, OperationStateInProgress}: true,
		{OperationStateRequested, OperationStateSucceeded}:  true,
		{OperationStateRequested, OperationStateFailed}:     true,
		{OperationStateInProgress, OperationStateSucceeded}: true,
		{OperationStateInProgress, OperationStateFailed}:    true,
		{OperationStateFailed, OperationStateRequested}:     true,
	}

	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]OperationState{from, to}]
			if got := CanTransitionOperation(from, to); got != want {
				t.Errorf("CanTransitionOperation(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionTo_RejectsWithBothStatesNamed(t *testing.T) {
	op := &Operation{State: OperationStateSucceeded}

	err := op.TransitionTo(OperationStateRequested)
	if err == nil {
		t.Fatal("SUCCEEDED is terminal; transition must fail")
	}
	var transitionErr *InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if transitionErr.From != OperationStateSucceeded || transitionErr.To != OperationStateRequested {
		t.Fatalf("error should carry both states, got %+v", transitionErr)
	}
	if op.State != OperationStateSucceeded {
		t.Fatalf("failed transition must not change state, got %s", op.State)
	}
}

func TestMarkSucceeded_ClearsErrorFields(t *testing.T) {
	code := "remote_unavailable"
	msg := "erp api error 503"
	retryAt := time.Now().Add(time.Minute)
	op := &Operation{
		State:            OperationStateInProgress,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
		NextRetryAt:      &retryAt,
	}

	if err := op.MarkSucceeded("DOC-42", []byte(`{"document_no":"DOC-42"}`)); err != nil {
		t.Fatal(err)
	}
	if op.State != OperationStateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", op.State)
	}
	if op.ResultKey == nil || *op.ResultKey != "DOC-42" {
		t.Fatalf("result key not set: %v", op.ResultKey)
	}
	if op.LastErrorCode != nil || op.LastErrorMessage != nil || op.NextRetryAt != nil {
		t.Fatal("success must clear error and retry fields")
	}
}

func TestMarkFailed_RecordsErrorAndSchedule(t *testing.T) {
	retryAt := time.Now().Add(5 * time.Minute)
	op := &Operation{State: OperationStateInProgress}

	if err := op.MarkFailed("timeout", "context deadline exceeded", &retryAt); err != nil {
		t.Fatal(err)
	}
	if op.State != OperationStateFailed {
		t.Fatalf("expected FAILED, got %s", op.State)
	}
	if op.LastErrorCode == nil || *op.LastErrorCode != "timeout" {
		t.Fatalf("error code not recorded: %v", op.LastErrorCode)
	}
	if op.NextRetryAt == nil || !op.NextRetryAt.Equal(retryAt) {
		t.Fatalf("retry schedule not recorded: %v", op.NextRetryAt)
	}
}

func TestRearm_OnlyFromFailed(t *testing.T) {
	code := "remote_error"
	msg := "boom"
	retryAt := time.Now()
	op := &Operation{
		State:            OperationStateFailed,
		AttemptCount:     3,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
		NextRetryAt:      &retryAt,
	}

	if err := op.Rearm(); err != nil {
		t.Fatal(err)
	}
	if op.State != OperationStateRequested {
		t.Fatalf("expected REQUESTED, got %s", op.State)
	}
	if op.LastErrorCode != nil || op.LastErrorMessage != nil || op.NextRetryAt != nil {
		t.Fatal("re-arm must clear error and retry fields")
	}
	if op.AttemptCount != 3 {
		t.Fatalf("re-arm must preserve attempt history, got %d", op.AttemptCount)
	}

	succeeded := &Operation{State: OperationStateSucceeded}
	if err := succeeded.Rearm(); err == nil {
		t.Fatal("re-arming a SUCCEEDED record must fail")
	}
}
