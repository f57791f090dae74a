package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"gorm.io/gorm"
)

const (
	IntegrationProviderMarketplace = "marketplace"
	IntegrationProviderErp         = "erp"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

// IntegrationConnection holds per-business credentials and sync state for one
// external system. AuthSecretRef is an opaque blob passed through to the
// integration clients; this service never interprets it.
type IntegrationConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"uniqueIndex:idx_integration_conn,priority:1;not null" json:"business_id"`
	Provider          string     `gorm:"uniqueIndex:idx_integration_conn,priority:2;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	StoreId           string     `gorm:"size:100" json:"store_id"`
	StoreName         string     `gorm:"size:255" json:"store_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func connCacheKey(businessId string, provider string) string {
	return businessId + ":" + provider
}

// GetConnection is a read-through lookup: Redis first, then MySQL.
// Returns nil when the business has no connection row for the provider.
// Every write to the row must go through InvalidateConnection.
func GetConnection(ctx context.Context, businessId string, provider string) (*IntegrationConnection, error) {

	result, err := utils.RetrieveRedis[IntegrationConnection](connCacheKey(businessId, provider))
	if err != nil {
		return nil, err
	}

	if result == nil {
		db := config.GetDB()
		// db query
		err := db.WithContext(ctx).
			Where("business_id = ? AND provider = ?", businessId, provider).
			Take(&result).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		// caching
		if err := utils.StoreRedis[IntegrationConnection](result, connCacheKey(businessId, provider)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// InvalidateConnection drops the cached row after credential or cursor writes.
func InvalidateConnection(businessId string, provider string) error {
	return utils.InvalidateRedis[IntegrationConnection](connCacheKey(businessId, provider))
}
