package marketsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
)

// Natural keys are the deterministic business identities that deduplicate
// operation requests. Two requests that mean the same side effect must build
// the same key, so every builder normalizes its inputs the same way.

func SyncRunKey(storeId, trigger, rangeHash string) string {
	return fmt.Sprintf("%s:%s:%s", normKeyPart(storeId), normKeyPart(trigger), rangeHash)
}

func PostingKey(storeId, orderNo string) string {
	return fmt.Sprintf("%s:%s", normKeyPart(storeId), normKeyPart(orderNo))
}

func LabelKey(storeId, orderNo, carrier string) string {
	return fmt.Sprintf("%s:%s:%s", normKeyPart(storeId), normKeyPart(orderNo), normKeyPart(carrier))
}

func TrackingKey(storeId, orderNo, trackingNo string) string {
	return fmt.Sprintf("%s:%s:%s", normKeyPart(storeId), normKeyPart(orderNo), normKeyPart(trackingNo))
}

func normKeyPart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DateRangeHash collapses a sync window into a short stable token so the
// natural key stays within column bounds regardless of range formatting.
func DateRangeHash(from, to string) string {
	sum := sha256.Sum256([]byte(normKeyPart(from) + "|" + normKeyPart(to)))
	return hex.EncodeToString(sum[:])[:16]
}

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduler = "scheduler"
	SyncTriggeredRetry     = "retry"
)

// SyncRunRequest is the payload stored on a SYNC_RUN operation.
type SyncRunRequest struct {
	StoreId    string `json:"store_id" validate:"required"`
	Trigger    string `json:"trigger" validate:"required"`
	FromDate   string `json:"from_date"`
	ToDate     string `json:"to_date"`
	FullResync bool   `json:"full_resync"`
}

// SyncRunSummary is the response payload of a finished SYNC_RUN; its compact
// string form becomes the operation's result key.
type SyncRunSummary struct {
	OrdersFetched  int `json:"orders_fetched"`
	OrdersUpserted int `json:"orders_upserted"`
	ErrorCount     int `json:"error_count"`
	Pages          int `json:"pages"`
}

func (s SyncRunSummary) ResultKey() string {
	return fmt.Sprintf("orders=%d errors=%d", s.OrdersUpserted, s.ErrorCount)
}

// PostingRequest is the payload stored on an ERP_POSTING operation.
type PostingRequest struct {
	StoreId string `json:"store_id" validate:"required"`
	OrderNo string `json:"order_no" validate:"required"`
}

// LabelRequest is the payload stored on a SHIPMENT_LABEL operation.
type LabelRequest struct {
	StoreId string `json:"store_id" validate:"required"`
	OrderNo string `json:"order_no" validate:"required"`
	Carrier string `json:"carrier" validate:"required"`
}

// TrackingRequest is the payload stored on a TRACKING_PUSH operation.
type TrackingRequest struct {
	StoreId    string `json:"store_id" validate:"required"`
	OrderNo    string `json:"order_no" validate:"required"`
	Carrier    string `json:"carrier"`
	TrackingNo string `json:"tracking_no" validate:"required"`
}

type CursorState struct {
	Orders CursorEntry `json:"orders"`
}

type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
}

func DecodeCursorState(raw []byte) CursorState {
	if len(raw) == 0 {
		return CursorState{}
	}
	var state CursorState
	if err := utils.UnmarshalFromJSON(raw, &state); err != nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := utils.MarshalToJSON(state)
	return []byte(b)
}

type ConnectRequest struct {
	Provider  string `json:"provider" binding:"required"`
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
	APIKey    string `json:"apiKey" binding:"required"`
}

type TriggerSyncRequest struct {
	FromDate   string `json:"fromDate"`
	ToDate     string `json:"toDate"`
	FullResync bool   `json:"fullResync"`
}

type CreatePostingRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
}

type CreateLabelRequest struct {
	OrderNo string `json:"orderNo" binding:"required"`
	Carrier string `json:"carrier" binding:"required"`
}

type PushTrackingRequest struct {
	OrderNo    string `json:"orderNo" binding:"required"`
	TrackingNo string `json:"trackingNo"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
}

type OperationResponse struct {
	ID            int     `json:"id"`
	Kind          string  `json:"kind"`
	NaturalKey    string  `json:"naturalKey"`
	State         string  `json:"state"`
	AttemptCount  int     `json:"attemptCount"`
	NextRetryAt   *string `json:"nextRetryAt"`
	LastErrorCode *string `json:"lastErrorCode"`
	LastErrorMsg  *string `json:"lastErrorMessage"`
	ResultKey     *string `json:"resultKey"`
	CorrelationId string  `json:"correlationId"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

type OperationListResponse struct {
	Items []OperationResponse `json:"items"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func mapOperationToResponse(op *models.Operation) OperationResponse {
	resp := OperationResponse{
		ID:            op.ID,
		Kind:          string(op.Kind),
		NaturalKey:    op.NaturalKey,
		State:         string(op.State),
		AttemptCount:  op.AttemptCount,
		LastErrorCode: op.LastErrorCode,
		LastErrorMsg:  op.LastErrorMessage,
		ResultKey:     op.ResultKey,
		CorrelationId: op.CorrelationId,
		CreatedAt:     op.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     op.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if op.NextRetryAt != nil {
		s := op.NextRetryAt.UTC().Format(time.RFC3339)
		resp.NextRetryAt = &s
	}
	return resp
}
