package models

import "time"

// Conversion states. A conversion is created pending with its points already
// reserved, then settles as completed or failed. Pending rows the reconciler
// finds too old become stale and keep their points reserved.
const (
	ConversionPending   = "pending"
	ConversionCompleted = "completed"
	ConversionFailed    = "failed"
	ConversionStale     = "stale"
)

// PointConversion records a points to ETH payout through the faucet.
type PointConversion struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ReceiptID     string     `gorm:"size:36;uniqueIndex;not null" json:"receipt_id"`
	UserID        uint       `gorm:"index;not null" json:"user_id"`
	Points        int        `gorm:"not null" json:"points"`
	EthAmount     int64      `gorm:"not null" json:"eth_amount"`
	WalletAddress string     `gorm:"size:42;not null" json:"wallet_address"`
	Status        string     `gorm:"size:16;index;not null" json:"status"`
	TxHash        string     `gorm:"size:66" json:"tx_hash,omitempty"`
	Error         string     `gorm:"size:512" json:"error,omitempty"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
