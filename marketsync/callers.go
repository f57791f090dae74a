package marketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"bitbucket.org/mmdatafocus/orderlink_backend/workflow"
	"gorm.io/gorm"
)

// BuildCallers wires one external caller per operation kind. The engine owns
// when a caller runs; these own what the call actually does.
func BuildCallers(db *gorm.DB) map[models.OperationKind]workflow.ExternalCaller {
	return map[models.OperationKind]workflow.ExternalCaller{
		models.OperationKindSyncRun:       workflow.CallerFunc(syncRunCaller(db)),
		models.OperationKindErpPosting:    workflow.CallerFunc(erpPostingCaller(db)),
		models.OperationKindShipmentLabel: workflow.CallerFunc(shipmentLabelCaller(db)),
		models.OperationKindTrackingPush:  workflow.CallerFunc(trackingPushCaller(db)),
	}
}

func syncRunCaller(db *gorm.DB) func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
	return func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
		var req SyncRunRequest
		if err := json.Unmarshal(op.RequestPayload, &req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}
		if err := utils.ValidateStruct(&req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}

		conn, err := getConnectedConnection(ctx, op.BusinessId, models.IntegrationProviderMarketplace)
		if err != nil {
			return workflow.CallResult{}, err
		}

		client, err := newMarketplaceClient(conn.AuthSecretRef)
		if err != nil {
			return workflow.CallResult{}, workflow.NewCallError("not_connected", err.Error())
		}
		defer client.close()

		summary, err := runSyncCycle(ctx, db, op.ID, op.BusinessId, conn, client, req)
		if err != nil {
			return workflow.CallResult{}, mapClientError(err)
		}

		payload, _ := json.Marshal(summary)
		return workflow.CallResult{ResultKey: summary.ResultKey(), ResponsePayload: payload}, nil
	}
}

type erpPostingResponse struct {
	DocumentNo string `json:"document_no"`
}

func erpPostingCaller(db *gorm.DB) func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
	return func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
		var req PostingRequest
		if err := json.Unmarshal(op.RequestPayload, &req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}
		if err := utils.ValidateStruct(&req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}

		order, err := getOrder(ctx, db, op.BusinessId, req.StoreId, req.OrderNo)
		if err != nil {
			return workflow.CallResult{}, workflow.NewCallError("order_not_found", err.Error())
		}

		conn, err := getConnectedConnection(ctx, op.BusinessId, models.IntegrationProviderErp)
		if err != nil {
			return workflow.CallResult{}, err
		}
		client, err := newErpClient(conn.AuthSecretRef)
		if err != nil {
			return workflow.CallResult{}, workflow.NewCallError("not_connected", err.Error())
		}
		defer client.close()

		body := map[string]interface{}{
			"external_ref": PostingKey(req.StoreId, req.OrderNo),
			"order_no":     order.OrderNo,
			"order_date":   order.OrderDate,
			"buyer_name":   order.BuyerName,
			"total_amount": order.TotalAmount,
			"shipping_fee": order.ShippingFee,
		}
		var resp erpPostingResponse
		if err := client.postJSON(ctx, "/v1/sales-orders", body, &resp); err != nil {
			return workflow.CallResult{}, mapClientError(err)
		}
		if strings.TrimSpace(resp.DocumentNo) == "" {
			return workflow.CallResult{}, workflow.NewCallError("invalid_response", "erp returned no document no")
		}

		payload, _ := json.Marshal(resp)
		return workflow.CallResult{ResultKey: resp.DocumentNo, ResponsePayload: payload}, nil
	}
}

type carrierLabelResponse struct {
	TrackingNo string `json:"tracking_no"`
	LabelURL   string `json:"label_url"`
}

func shipmentLabelCaller(db *gorm.DB) func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
	return func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
		var req LabelRequest
		if err := json.Unmarshal(op.RequestPayload, &req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}
		if err := utils.ValidateStruct(&req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}

		order, err := getOrder(ctx, db, op.BusinessId, req.StoreId, req.OrderNo)
		if err != nil {
			return workflow.CallResult{}, workflow.NewCallError("order_not_found", err.Error())
		}

		conn, err := getConnectedConnection(ctx, op.BusinessId, models.IntegrationProviderMarketplace)
		if err != nil {
			return workflow.CallResult{}, err
		}
		client, err := newCarrierClient(carrierAPIKey(conn))
		if err != nil {
			return workflow.CallResult{}, workflow.NewCallError("not_connected", err.Error())
		}
		defer client.close()

		body := map[string]interface{}{
			"reference":  LabelKey(req.StoreId, req.OrderNo, req.Carrier),
			"carrier":    req.Carrier,
			"order_no":   order.OrderNo,
			"buyer_name": order.BuyerName,
		}
		var resp carrierLabelResponse
		if err := client.postJSON(ctx, "/v1/labels", body, &resp); err != nil {
			return workflow.CallResult{}, mapClientError(err)
		}
		if strings.TrimSpace(resp.TrackingNo) == "" {
			return workflow.CallResult{}, workflow.NewCallError("invalid_response", "carrier returned no tracking no")
		}

		// Mirror the issued tracking number onto the order so the
		// follow-up tracking push can build its natural key.
		_ = db.WithContext(ctx).Model(&models.MarketplaceOrder{}).
			Where("id = ? AND business_id = ?", order.ID, op.BusinessId).
			Updates(map[string]interface{}{
				"carrier":     req.Carrier,
				"tracking_no": resp.TrackingNo,
			}).Error

		payload, _ := json.Marshal(resp)
		return workflow.CallResult{ResultKey: resp.TrackingNo, ResponsePayload: payload}, nil
	}
}

type trackingPushResponse struct {
	AckId string `json:"ack_id"`
}

func trackingPushCaller(db *gorm.DB) func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
	return func(ctx context.Context, op *models.Operation) (workflow.CallResult, error) {
		var req TrackingRequest
		if err := json.Unmarshal(op.RequestPayload, &req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}
		if err := utils.ValidateStruct(&req); err != nil {
			return workflow.CallResult{}, workflow.NewCallError("invalid_payload", err.Error())
		}

		conn, err := getConnectedConnection(ctx, op.BusinessId, models.IntegrationProviderMarketplace)
		if err != nil {
			return workflow.CallResult{}, err
		}
		client, err := newMarketplaceClient(conn.AuthSecretRef)
		if err != nil {
			return workflow.CallResult{}, workflow.NewCallError("not_connected", err.Error())
		}
		defer client.close()

		body := map[string]interface{}{
			"order_no":    req.OrderNo,
			"carrier":     req.Carrier,
			"tracking_no": req.TrackingNo,
		}
		var resp trackingPushResponse
		if err := client.postJSON(ctx, fmt.Sprintf("/v1/orders/%s/tracking", req.OrderNo), body, &resp); err != nil {
			return workflow.CallResult{}, mapClientError(err)
		}
		if strings.TrimSpace(resp.AckId) == "" {
			return workflow.CallResult{}, workflow.NewCallError("invalid_response", "marketplace returned no ack id")
		}

		payload, _ := json.Marshal(resp)
		return workflow.CallResult{ResultKey: resp.AckId, ResponsePayload: payload}, nil
	}
}

func getConnectedConnection(ctx context.Context, businessId, provider string) (*models.IntegrationConnection, error) {
	conn, err := models.GetConnection(ctx, businessId, provider)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.IntegrationStatusConnected {
		return nil, workflow.NewCallError("not_connected", provider+" is not connected")
	}
	return conn, nil
}

// carrierAPIKey pulls the carrier credential from the marketplace connection
// settings; carriers are configured as a sub-credential, not a connection row.
func carrierAPIKey(conn *models.IntegrationConnection) string {
	var settings struct {
		CarrierAPIKey string `json:"carrier_api_key"`
	}
	if len(conn.SettingsJSON) > 0 {
		_ = json.Unmarshal(conn.SettingsJSON, &settings)
	}
	if strings.TrimSpace(settings.CarrierAPIKey) != "" {
		return settings.CarrierAPIKey
	}
	return conn.AuthSecretRef
}

// mapClientError keeps HTTP status detail on the operation record: remote
// rejections get a stable code, transport errors fall through to the engine's
// generic classification.
func mapClientError(err error) error {
	if apiErr, ok := asAPIError(err); ok {
		code := "remote_error"
		switch {
		case apiErr.status == 401 || apiErr.status == 403:
			code = "auth_failed"
		case apiErr.status == 404:
			code = "remote_not_found"
		case apiErr.status == 409:
			code = "remote_conflict"
		case apiErr.status == 429:
			code = "rate_limited"
		case apiErr.status >= 500:
			code = "remote_unavailable"
		}
		return workflow.NewCallError(code, apiErr.Error())
	}
	return err
}
