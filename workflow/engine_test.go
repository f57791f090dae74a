package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
)

func newTestEngine(store OperationStore) *OperationEngine {
	return &OperationEngine{
		Store:       store,
		RetryCfg:    GetRetryConfig(),
		CallTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

type countingCaller struct {
	calls  int64
	result CallResult
	err    error
	delay  time.Duration
}

func (c *countingCaller) Call(ctx context.Context, op *models.Operation) (CallResult, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.result, c.err
}

func (c *countingCaller) count() int64 {
	return atomic.LoadInt64(&c.calls)
}

func TestCreateOrGet_ConcurrentRequestsResolveToOneRecord(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	const workers = 25
	ids := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			op, err := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-1001", nil)
			if err != nil {
				t.Errorf("create-or-get failed: %v", err)
				return
			}
			ids[n] = op.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected every caller to get the same record, got ids %v", ids)
		}
	}

	op, err := engine.GetByNaturalKey(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-1001")
	if err != nil || op == nil {
		t.Fatalf("lookup after create-or-get: op=%v err=%v", op, err)
	}
	if op.State != models.OperationStateRequested || op.AttemptCount != 0 {
		t.Fatalf("fresh record should be REQUESTED/attempt 0, got %s/%d", op.State, op.AttemptCount)
	}
}

func TestCreateOrGet_IsolatedPerBusiness(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	a, err := engine.CreateOrGet(ctx, "biz-a", models.OperationKindErpPosting, "store-1:so-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.CreateOrGet(ctx, "biz-b", models.OperationKindErpPosting, "store-1:so-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("same natural key in different businesses must be distinct records")
	}
}

func TestExecute_ConcurrentExecutionFiresEffectOnce(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, err := engine.CreateOrGet(ctx, "biz-1", models.OperationKindShipmentLabel, "store-1:so-1:dhl", nil)
	if err != nil {
		t.Fatal(err)
	}

	caller := &countingCaller{
		result: CallResult{ResultKey: "TRK-001"},
		delay:  5 * time.Millisecond,
	}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := engine.Execute(ctx, "biz-1", op.ID, caller)
			if err != nil {
				t.Errorf("execute failed: %v", err)
				return
			}
			if got.State != models.OperationStateSucceeded {
				t.Errorf("every executor should observe the final state, got %s", got.State)
			}
		}()
	}
	wg.Wait()

	if caller.count() != 1 {
		t.Fatalf("external call must fire exactly once, fired %d times", caller.count())
	}

	final, _ := engine.GetById(ctx, "biz-1", op.ID)
	if final.ResultKey == nil || *final.ResultKey != "TRK-001" {
		t.Fatalf("result key not recorded: %v", final.ResultKey)
	}
	if final.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", final.AttemptCount)
	}
}

func TestExecute_SucceededShortCircuitsWithoutCalling(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-9", nil)
	first := &countingCaller{result: CallResult{ResultKey: "DOC-9"}}
	if _, err := engine.Execute(ctx, "biz-1", op.ID, first); err != nil {
		t.Fatal(err)
	}

	// A second execution must return the stored outcome and never invoke the caller.
	second := &countingCaller{err: errors.New("would have double-posted")}
	got, err := engine.Execute(ctx, "biz-1", op.ID, second)
	if err != nil {
		t.Fatal(err)
	}
	if second.count() != 0 {
		t.Fatalf("caller invoked on a SUCCEEDED record")
	}
	if got.State != models.OperationStateSucceeded || got.ResultKey == nil || *got.ResultKey != "DOC-9" {
		t.Fatalf("expected stored outcome, got state=%s resultKey=%v", got.State, got.ResultKey)
	}
}

func TestExecute_FailureIsAbsorbedWithStagedBackoff(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()
	start := time.Now()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindTrackingPush, "store-1:so-2:trk-2", nil)
	caller := &countingCaller{err: NewCallError("remote_unavailable", "marketplace api error 503")}

	got, err := engine.Execute(ctx, "biz-1", op.ID, caller)
	if err != nil {
		t.Fatalf("external failure must be absorbed, got %v", err)
	}
	if got.State != models.OperationStateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.AttemptCount)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "remote_unavailable" {
		t.Fatalf("error code not recorded: %v", got.LastErrorCode)
	}
	if got.NextRetryAt == nil {
		t.Fatal("first failure must schedule a retry")
	}
	wait := got.NextRetryAt.Sub(start)
	if wait < 50*time.Second || wait > 70*time.Second {
		t.Fatalf("first backoff stage should be about 1m, got %s", wait)
	}
}

func TestExecute_BackoffScheduledFromCallCompletion(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-9", nil)
	delay := 150 * time.Millisecond
	caller := &countingCaller{err: NewCallError("remote_unavailable", "erp api error 503"), delay: delay}

	start := time.Now()
	got, err := engine.Execute(ctx, "biz-1", op.ID, caller)
	if err != nil {
		t.Fatalf("external failure must be absorbed, got %v", err)
	}
	if got.NextRetryAt == nil {
		t.Fatal("first failure must schedule a retry")
	}
	// A slow call must not eat into the backoff window.
	if wait := got.NextRetryAt.Sub(start); wait < time.Minute+delay {
		t.Fatalf("backoff must count from call completion, got %s", wait)
	}
}

func TestExecute_FailedRecordRetriesAndSucceeds(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-3", nil)
	failing := &countingCaller{err: errors.New("connection reset")}
	if _, err := engine.Execute(ctx, "biz-1", op.ID, failing); err != nil {
		t.Fatal(err)
	}

	succeeding := &countingCaller{result: CallResult{ResultKey: "DOC-3"}}
	got, err := engine.Execute(ctx, "biz-1", op.ID, succeeding)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.OperationStateSucceeded {
		t.Fatalf("expected SUCCEEDED after retry, got %s", got.State)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", got.AttemptCount)
	}
	if got.LastErrorCode != nil || got.NextRetryAt != nil {
		t.Fatalf("success must clear error fields, got code=%v nextRetry=%v", got.LastErrorCode, got.NextRetryAt)
	}
}

func TestExecute_RetryCeilingLeavesNoNextRetry(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	engine.RetryCfg.MaxAttempts = 3
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindSyncRun, "store-1:manual:abc", nil)
	caller := &countingCaller{err: errors.New("still down")}

	for i := 0; i < 3; i++ {
		if _, err := engine.Execute(ctx, "biz-1", op.ID, caller); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := engine.GetById(ctx, "biz-1", op.ID)
	if got.State != models.OperationStateFailed {
		t.Fatalf("expected FAILED at ceiling, got %s", got.State)
	}
	if got.AttemptCount != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.AttemptCount)
	}
	if got.NextRetryAt != nil {
		t.Fatalf("ceiling reached: next_retry_at must be nil, got %v", got.NextRetryAt)
	}

	// Exhausted records are invisible to the sweeper query.
	due, err := engine.FindRetryable(ctx, "biz-1", time.Now().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("exhausted record must not be retryable, got %d", len(due))
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-4", nil)
	caller := CallerFunc(func(ctx context.Context, op *models.Operation) (CallResult, error) {
		panic("codec blew up")
	})

	got, err := engine.Execute(ctx, "biz-1", op.ID, caller)
	if err != nil {
		t.Fatalf("panic must be absorbed, got %v", err)
	}
	if got.State != models.OperationStateFailed {
		t.Fatalf("expected FAILED after panic, got %s", got.State)
	}
	if got.LastErrorMessage == nil {
		t.Fatal("panic message not recorded")
	}
}

func TestExecute_TimeoutRecordedWithTimeoutCode(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	engine.CallTimeout = 20 * time.Millisecond
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindSyncRun, "store-1:manual:def", nil)
	caller := CallerFunc(func(ctx context.Context, op *models.Operation) (CallResult, error) {
		<-ctx.Done()
		return CallResult{}, ctx.Err()
	})

	got, err := engine.Execute(ctx, "biz-1", op.ID, caller)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.OperationStateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "timeout" {
		t.Fatalf("expected timeout code, got %v", got.LastErrorCode)
	}
}

func TestFindRetryable_OnlyDueFailedRecords(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-5", nil)
	caller := &countingCaller{err: errors.New("down")}
	if _, err := engine.Execute(ctx, "biz-1", op.ID, caller); err != nil {
		t.Fatal(err)
	}

	// Not due yet: the first stage pushes the retry a minute out.
	due, err := engine.FindRetryable(ctx, "biz-1", time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("record should not be due yet, got %d", len(due))
	}

	due, err = engine.FindRetryable(ctx, "biz-1", time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != op.ID {
		t.Fatalf("expected the failed record once due, got %v", due)
	}
}

func TestFindRetryable_OrderedOldestDueFirst(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	// Stagger next_retry_at so insertion order and due order disagree.
	offsets := []time.Duration{-2 * time.Minute, -10 * time.Minute, -5 * time.Minute, -8 * time.Minute}
	keys := []string{"store-1:so-20", "store-1:so-21", "store-1:so-22", "store-1:so-23"}
	for i, key := range keys {
		op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, key, nil)
		if _, err := engine.Execute(ctx, "biz-1", op.ID, &countingCaller{err: errors.New("down")}); err != nil {
			t.Fatal(err)
		}
		at := time.Now().Add(offsets[i])
		err := engine.Store.WithRowLock(ctx, "biz-1", op.ID, func(o *models.Operation) (bool, error) {
			o.NextRetryAt = &at
			return true, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	due, err := engine.FindRetryable(ctx, "biz-1", time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != len(keys) {
		t.Fatalf("expected %d due records, got %d", len(keys), len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i].NextRetryAt.Before(*due[i-1].NextRetryAt) {
			t.Fatalf("due records must come back oldest first: %v before %v",
				due[i].NextRetryAt, due[i-1].NextRetryAt)
		}
	}

	// The bound keeps the oldest records, not an arbitrary subset.
	bounded, err := engine.FindRetryable(ctx, "biz-1", time.Now(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(bounded) != 2 || !bounded[0].NextRetryAt.Equal(*due[0].NextRetryAt) {
		t.Fatalf("bounded page must start at the oldest due record, got %v", bounded)
	}
}

func TestRetry_RejectsNonFailedStates(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-6", nil)

	caller := &countingCaller{result: CallResult{ResultKey: "DOC-6"}}
	if _, err := engine.Retry(ctx, "biz-1", op.ID, caller); err == nil {
		t.Fatal("retry of a REQUESTED record must fail the guard")
	}

	if _, err := engine.Execute(ctx, "biz-1", op.ID, caller); err != nil {
		t.Fatal(err)
	}

	_, err := engine.Retry(ctx, "biz-1", op.ID, caller)
	var transitionErr *models.InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError for SUCCEEDED record, got %v", err)
	}
	if transitionErr.From != models.OperationStateSucceeded || transitionErr.To != models.OperationStateRequested {
		t.Fatalf("transition error should name both states, got %v", transitionErr)
	}
	if caller.count() != 1 {
		t.Fatalf("rejected retry must not invoke the caller, calls=%d", caller.count())
	}
}

func TestRetry_ReexecutesFailedRecord(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-7", nil)
	failing := &countingCaller{err: errors.New("down")}
	if _, err := engine.Execute(ctx, "biz-1", op.ID, failing); err != nil {
		t.Fatal(err)
	}

	succeeding := &countingCaller{result: CallResult{ResultKey: "DOC-7"}}
	got, err := engine.Retry(ctx, "biz-1", op.ID, succeeding)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.OperationStateSucceeded || got.AttemptCount != 2 {
		t.Fatalf("expected SUCCEEDED on attempt 2, got %s/%d", got.State, got.AttemptCount)
	}
}

func TestRearm_ResetsExhaustedRecord(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	engine.RetryCfg.MaxAttempts = 1
	ctx := context.Background()

	op, _ := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-8", nil)
	if _, err := engine.Execute(ctx, "biz-1", op.ID, &countingCaller{err: errors.New("down")}); err != nil {
		t.Fatal(err)
	}

	got, err := engine.Rearm(ctx, "biz-1", op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.OperationStateRequested {
		t.Fatalf("expected REQUESTED after re-arm, got %s", got.State)
	}
	if got.LastErrorCode != nil || got.NextRetryAt != nil {
		t.Fatal("re-arm must clear error fields")
	}
	if got.AttemptCount != 1 {
		t.Fatalf("re-arm must keep the attempt history, got %d", got.AttemptCount)
	}
}

func TestCreateOrGet_PayloadRoundTrips(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"order_no": "SO-77"})
	op, err := engine.CreateOrGet(ctx, "biz-1", models.OperationKindErpPosting, "store-1:so-77", payload)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := engine.GetById(ctx, "biz-1", op.ID)
	var decoded map[string]string
	if err := json.Unmarshal(got.RequestPayload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["order_no"] != "SO-77" {
		t.Fatalf("payload not preserved: %v", decoded)
	}
}
