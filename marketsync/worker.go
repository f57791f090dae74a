package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type marketplaceOrder struct {
	OrderNo     string      `json:"order_no"`
	OrderDate   string      `json:"order_date"`
	BuyerName   string      `json:"buyer_name"`
	Status      string      `json:"status"`
	Carrier     string      `json:"carrier"`
	TrackingNo  string      `json:"tracking_no"`
	TotalAmount json.Number `json:"total_amount"`
	ShippingFee json.Number `json:"shipping_fee"`
	UpdatedAt   string      `json:"updated_at"`
}

// runSyncCycle pulls orders from the marketplace since the connection cursor
// and mirrors them locally. Per-order failures become sync error rows and the
// cycle continues; only transport-level failures fail the whole operation.
func runSyncCycle(ctx context.Context, db *gorm.DB, operationId int, businessId string, conn *models.IntegrationConnection, client *integrationClient, req SyncRunRequest) (SyncRunSummary, error) {
	summary := SyncRunSummary{}

	cursorState := DecodeCursorState(conn.CursorStateJSON)
	if req.FullResync {
		cursorState = CursorState{}
	}

	updatedSince := strings.TrimSpace(cursorState.Orders.UpdatedSince)
	if req.FromDate != "" {
		updatedSince = req.FromDate
	}
	if updatedSince == "" && conn.LastSuccessSyncAt != nil {
		updatedSince = conn.LastSuccessSyncAt.UTC().Format(time.RFC3339)
	}
	if updatedSince == "" {
		updatedSince = time.Now().Add(-30 * 24 * time.Hour).UTC().Format(time.RFC3339)
	}

	nextCursor := strings.TrimSpace(cursorState.Orders.Cursor)

	for {
		params := url.Values{}
		params.Set("updated_since", updatedSince)
		if req.ToDate != "" {
			params.Set("updated_until", req.ToDate)
		}
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "200")

		resp, err := client.getList(ctx, "/v1/orders", params)
		if err != nil {
			return summary, err
		}
		summary.Pages++

		for _, raw := range resp.records() {
			summary.OrdersFetched++

			var remote marketplaceOrder
			if err := json.Unmarshal(raw, &remote); err != nil {
				summary.ErrorCount++
				_ = createSyncError(ctx, db, operationId, businessId, "order", "", "invalid_payload", err.Error(), raw, true)
				continue
			}
			orderNo := strings.TrimSpace(remote.OrderNo)
			if orderNo == "" {
				summary.ErrorCount++
				_ = createSyncError(ctx, db, operationId, businessId, "order", "", "missing_order_no", "order no missing", raw, false)
				continue
			}

			if err := upsertOrder(ctx, db, businessId, conn, &remote, raw); err != nil {
				summary.ErrorCount++
				_ = createSyncError(ctx, db, operationId, businessId, "order", orderNo, "sync_failed", err.Error(), raw, true)
				continue
			}
			summary.OrdersUpserted++
			_ = touchMapping(ctx, db, businessId, conn.ID, models.IntegrationProviderMarketplace, "order", orderNo, orderNo, remote.UpdatedAt)
		}

		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			cursorState.Orders = CursorEntry{UpdatedSince: time.Now().UTC().Format(time.RFC3339), Cursor: ""}
			break
		}
		nextCursor = resp.NextCursor
	}

	now := time.Now()
	connUpdates := map[string]interface{}{
		"last_sync_at":      now,
		"cursor_state_json": EncodeCursorState(cursorState),
	}
	if summary.ErrorCount == 0 {
		connUpdates["last_success_sync_at"] = now
	}
	if err := db.WithContext(ctx).Model(&models.IntegrationConnection{}).
		Where("id = ? AND business_id = ?", conn.ID, businessId).
		Updates(connUpdates).Error; err != nil {
		return summary, err
	}
	_ = models.InvalidateConnection(businessId, models.IntegrationProviderMarketplace)

	return summary, nil
}

func upsertOrder(ctx context.Context, db *gorm.DB, businessId string, conn *models.IntegrationConnection, remote *marketplaceOrder, raw []byte) error {
	orderDate, _ := time.Parse(time.RFC3339, strings.TrimSpace(remote.OrderDate))

	order := models.MarketplaceOrder{
		BusinessId:   businessId,
		ConnectionId: conn.ID,
		StoreId:      conn.StoreId,
		OrderNo:      strings.TrimSpace(remote.OrderNo),
		OrderDate:    orderDate,
		BuyerName:    strings.TrimSpace(remote.BuyerName),
		OrderStatus:  strings.TrimSpace(remote.Status),
		Carrier:      strings.TrimSpace(remote.Carrier),
		TrackingNo:   strings.TrimSpace(remote.TrackingNo),
		TotalAmount:  decimalFromNumber(remote.TotalAmount),
		ShippingFee:  decimalFromNumber(remote.ShippingFee),
		RawJSON:      raw,
	}

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "business_id"}, {Name: "store_id"}, {Name: "order_no"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"order_date", "buyer_name", "order_status", "carrier", "tracking_no",
				"total_amount", "shipping_fee", "raw_json", "updated_at",
			}),
		}).
		Create(&order).Error
}

// effectiveSyncFrom resolves the window start a sync trigger identifies,
// mirroring the cursor resolution in runSyncCycle. Empty-range triggers take
// the moving cursor position (or a minute bucket before any sync has run), so
// "sync now" after a finished run is a new operation, not the old record.
func effectiveSyncFrom(conn *models.IntegrationConnection, req SyncRunRequest, now time.Time) string {
	if s := strings.TrimSpace(req.FromDate); s != "" {
		return s
	}
	if !req.FullResync {
		cur := DecodeCursorState(conn.CursorStateJSON)
		if s := strings.TrimSpace(cur.Orders.UpdatedSince); s != "" {
			return s
		}
		if conn.LastSuccessSyncAt != nil {
			return conn.LastSuccessSyncAt.UTC().Format(time.RFC3339)
		}
	}
	return now.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

func getOrder(ctx context.Context, db *gorm.DB, businessId, storeId, orderNo string) (*models.MarketplaceOrder, error) {
	var order models.MarketplaceOrder
	err := db.WithContext(ctx).
		Where("business_id = ? AND store_id = ? AND order_no = ?", businessId, storeId, orderNo).
		Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s for store %s", utils.ErrorRecordNotFound, orderNo, storeId)
		}
		return nil, err
	}
	return &order, nil
}

func touchMapping(ctx context.Context, db *gorm.DB, businessId string, connectionId uint, provider string, entityType string, externalId string, internalId string, updatedAt string) error {
	var metadata map[string]string
	if strings.TrimSpace(updatedAt) != "" {
		metadata = map[string]string{"updated_at": updatedAt}
	}
	metadataJSON, _ := json.Marshal(metadata)
	now := time.Now()

	mapping := models.IntegrationEntityMapping{
		BusinessId:   businessId,
		ConnectionId: connectionId,
		Provider:     provider,
		EntityType:   entityType,
		ExternalId:   externalId,
		InternalId:   internalId,
		LastSeenAt:   &now,
		MetadataJSON: metadataJSON,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "business_id"}, {Name: "provider"}, {Name: "entity_type"}, {Name: "external_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"internal_id", "last_seen_at", "metadata_json"}),
		}).
		Create(&mapping).Error
}

func createSyncError(ctx context.Context, db *gorm.DB, operationId int, businessId string, entityType string, externalId string, code string, message string, payload []byte, retryable bool) error {
	errRec := models.IntegrationSyncError{
		OperationId: operationId,
		BusinessId:  businessId,
		EntityType:  entityType,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return db.WithContext(ctx).Create(&errRec).Error
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
