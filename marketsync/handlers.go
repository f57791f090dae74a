package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider := strings.TrimSpace(c.Param("provider"))
		if !validProvider(provider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		conn, err := models.GetConnection(ctx, businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected},
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:    conn.Status,
				StoreId:   conn.StoreId,
				StoreName: conn.StoreName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if !validProvider(req.Provider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}
		if req.Provider == models.IntegrationProviderMarketplace && strings.TrimSpace(req.StoreId) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storeId is required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := models.GetConnection(ctx, businessId, req.Provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		storeName := strings.TrimSpace(req.StoreName)
		if storeName == "" {
			storeName = req.StoreId
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				BusinessId:    businessId,
				Provider:      req.Provider,
				Status:        models.IntegrationStatusConnected,
				AuthType:      "api_key",
				AuthSecretRef: req.APIKey,
				StoreId:       req.StoreId,
				StoreName:     storeName,
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"status":          models.IntegrationStatusConnected,
				"auth_type":       "api_key",
				"auth_secret_ref": req.APIKey,
				"store_id":        req.StoreId,
				"store_name":      storeName,
				"updated_at":      now,
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		_ = models.InvalidateConnection(businessId, req.Provider)

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provider := strings.TrimSpace(c.Param("provider"))
		if !validProvider(provider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		conn, err := models.GetConnection(ctx, businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		db := config.GetDB().WithContext(ctx)
		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = models.InvalidateConnection(businessId, provider)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// TriggerSyncHandler creates (or finds) the SYNC_RUN operation for the
// requested window and hands it to Pub/Sub. A repeated trigger for the same
// window returns the same operation instead of queuing a second run.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := GetEngine()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		// Body is optional: an empty trigger means "sync since the cursor".
		var req TriggerSyncRequest
		_ = c.ShouldBindJSON(&req)

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		conn, err := models.GetConnection(ctx, businessId, models.IntegrationProviderMarketplace)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "marketplace is not connected"})
			return
		}

		syncReq := SyncRunRequest{
			StoreId:    conn.StoreId,
			Trigger:    SyncTriggeredManual,
			FromDate:   strings.TrimSpace(req.FromDate),
			ToDate:     strings.TrimSpace(req.ToDate),
			FullResync: req.FullResync,
		}
		payload, _ := json.Marshal(syncReq)

		naturalKey := SyncRunKey(conn.StoreId, syncReq.Trigger,
			DateRangeHash(effectiveSyncFrom(conn, syncReq, time.Now()), syncReq.ToDate))
		op, err := engine.CreateOrGet(ctx, businessId, models.OperationKindSyncRun, naturalKey, payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if op.State == models.OperationStateRequested {
			_ = PublishOperation(ctx, op)
		}

		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

// CreatePostingHandler requests an ERP posting for one order and executes it
// inline. The same order can be requested any number of times; the posting
// fires at most once.
func CreatePostingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine, callers := GetEngine(), GetCallers()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req CreatePostingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		conn, err := requireMarketplaceConn(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		opReq := PostingRequest{StoreId: conn.StoreId, OrderNo: strings.TrimSpace(req.OrderNo)}
		payload, _ := json.Marshal(opReq)

		op, err := engine.CreateOrGet(ctx, businessId, models.OperationKindErpPosting, PostingKey(opReq.StoreId, opReq.OrderNo), payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		op, err = engine.Execute(ctx, businessId, op.ID, callers[models.OperationKindErpPosting])
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

func CreateLabelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine, callers := GetEngine(), GetCallers()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req CreateLabelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		conn, err := requireMarketplaceConn(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		opReq := LabelRequest{
			StoreId: conn.StoreId,
			OrderNo: strings.TrimSpace(req.OrderNo),
			Carrier: strings.TrimSpace(req.Carrier),
		}
		payload, _ := json.Marshal(opReq)

		op, err := engine.CreateOrGet(ctx, businessId, models.OperationKindShipmentLabel, LabelKey(opReq.StoreId, opReq.OrderNo, opReq.Carrier), payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		op, err = engine.Execute(ctx, businessId, op.ID, callers[models.OperationKindShipmentLabel])
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

// PushTrackingHandler pushes an order's tracking number back to the
// marketplace. When trackingNo is omitted it uses the one mirrored on the
// order by the label operation.
func PushTrackingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine, callers := GetEngine(), GetCallers()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req PushTrackingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		conn, err := requireMarketplaceConn(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		db := config.GetDB().WithContext(ctx)
		order, err := getOrder(ctx, db, businessId, conn.StoreId, strings.TrimSpace(req.OrderNo))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		trackingNo := strings.TrimSpace(req.TrackingNo)
		if trackingNo == "" {
			trackingNo = order.TrackingNo
		}
		if trackingNo == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "order has no tracking number yet"})
			return
		}

		opReq := TrackingRequest{
			StoreId:    conn.StoreId,
			OrderNo:    order.OrderNo,
			Carrier:    order.Carrier,
			TrackingNo: trackingNo,
		}
		payload, _ := json.Marshal(opReq)

		op, err := engine.CreateOrGet(ctx, businessId, models.OperationKindTrackingPush, TrackingKey(opReq.StoreId, opReq.OrderNo, opReq.TrackingNo), payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		op, err = engine.Execute(ctx, businessId, op.ID, callers[models.OperationKindTrackingPush])
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

func GetOperationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := GetEngine()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		op, err := engine.GetById(ctx, businessId, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

func GetOperationByKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := GetEngine()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		kind := models.OperationKind(strings.TrimSpace(c.Query("kind")))
		naturalKey := strings.TrimSpace(c.Query("naturalKey"))
		if kind == "" || naturalKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind and naturalKey are required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		op, err := engine.GetByNaturalKey(ctx, businessId, kind, naturalKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if op == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

func ListRetryableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := GetEngine()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 50
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		ops, err := engine.FindRetryable(ctx, businessId, time.Now().UTC(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]OperationResponse, 0, len(ops))
		for i := range ops {
			items = append(items, mapOperationToResponse(&ops[i]))
		}
		c.JSON(http.StatusOK, OperationListResponse{Items: items})
	}
}

// RetryOperationHandler re-arms one FAILED operation and executes it now.
// Non-FAILED operations come back 409 with the transition error.
func RetryOperationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine, callers := GetEngine(), GetCallers()
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		existing, err := engine.GetById(ctx, businessId, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		caller, ok := callers[existing.Kind]
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no caller for operation kind"})
			return
		}

		op, err := engine.Retry(ctx, businessId, id, caller)
		if err != nil {
			var transitionErr *models.InvalidTransitionError
			if errors.As(err, &transitionErr) {
				c.JSON(http.StatusConflict, gin.H{"error": transitionErr.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapOperationToResponse(op))
	}
}

func resolveBusinessID(c *gin.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(businessId) == "" {
		return "", errors.New("unauthorized")
	}
	return strings.TrimSpace(businessId), nil
}

func requireMarketplaceConn(ctx context.Context, businessId string) (*models.IntegrationConnection, error) {
	conn, err := models.GetConnection(ctx, businessId, models.IntegrationProviderMarketplace)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.IntegrationStatusConnected {
		return nil, errors.New("marketplace is not connected")
	}
	return conn, nil
}

func validProvider(provider string) bool {
	return provider == models.IntegrationProviderMarketplace || provider == models.IntegrationProviderErp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
