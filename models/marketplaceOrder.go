package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketplaceOrder mirrors one order pulled from the marketplace during a
// sync cycle. The mirror is read-model data; source of truth stays remote.
type MarketplaceOrder struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;uniqueIndex:uniq_mkt_order,priority:1" json:"business_id"`
	ConnectionId uint            `gorm:"index;not null" json:"connection_id"`
	StoreId      string          `gorm:"size:100;not null;uniqueIndex:uniq_mkt_order,priority:2" json:"store_id"`
	OrderNo      string          `gorm:"size:128;not null;uniqueIndex:uniq_mkt_order,priority:3" json:"order_no"`
	OrderDate    time.Time       `gorm:"index" json:"order_date"`
	BuyerName    string          `gorm:"size:255" json:"buyer_name"`
	OrderStatus  string          `gorm:"size:32;index" json:"order_status"`
	Carrier      string          `gorm:"size:32" json:"carrier"`
	TrackingNo   string          `gorm:"size:64" json:"tracking_no"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	ShippingFee  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_fee"`
	RawJSON      []byte          `gorm:"type:json" json:"raw"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationEntityMapping links an external entity id to our internal id.
type IntegrationEntityMapping struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:1;not null" json:"business_id"`
	ConnectionId uint       `gorm:"index;not null" json:"connection_id"`
	Provider     string     `gorm:"uniqueIndex:idx_integration_mapping,priority:2;size:50;not null" json:"provider"`
	EntityType   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:3;size:50;not null" json:"entity_type"`
	ExternalId   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:4;size:128;not null" json:"external_id"`
	InternalId   string     `gorm:"size:128;not null" json:"internal_id"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	MetadataJSON []byte     `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationSyncError is one per-entity failure inside a sync cycle. The
// owning operation stays SUCCEEDED/FAILED as a whole; these rows carry the
// per-record detail operators drill into.
type IntegrationSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	OperationId int       `gorm:"index;not null" json:"operation_id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
