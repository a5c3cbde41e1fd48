package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DownloadToken struct {
	bun.BaseModel `bun:"table:download_tokens"`

	ID string `bun:"id,pk" json:"id"`

	// At most one live token per order item.
	OrderItemID string `bun:"order_item_id,unique,notnull" json:"order_item_id"`

	// Opaque bearer credential, 128 bits from crypto/rand.
	Token string `bun:"token,unique,notnull" json:"token"`

	ProductRef string  `bun:"product_ref,notnull" json:"product_ref"`
	UserRef    *string `bun:"user_ref" json:"user_ref,omitempty"`

	MaxDownloads  int `bun:"max_downloads,notnull" json:"max_downloads"`
	DownloadCount int `bun:"download_count,notnull,default:0" json:"download_count"`

	ExpiresAt time.Time `bun:"expires_at,notnull" json:"expires_at"`

	// Revocation is terminal: once false this never flips back.
	IsActive bool `bun:"is_active,notnull,default:true" json:"is_active"`

	LastDownloadAt *time.Time `bun:"last_download_at,nullzero" json:"last_download_at,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

func (t *DownloadToken) Remaining() int {
	remaining := t.MaxDownloads - t.DownloadCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DownloadLog is append-only; rows are never mutated or deleted.
type DownloadLog struct {
	bun.BaseModel `bun:"table:download_logs"`

	ID              string    `bun:"id,pk" json:"id"`
	DownloadTokenID string    `bun:"download_token_id,notnull" json:"download_token_id"`
	UserRef         *string   `bun:"user_ref" json:"user_ref,omitempty"`
	IPAddress       string    `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	UserAgent       string    `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	CreatedAt       time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
