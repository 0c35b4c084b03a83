package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus is the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Origin records which path produced a payment.
type Origin string

const (
	OriginEvent     Origin = "event"
	OriginScheduled Origin = "scheduled"
	OriginManual    Origin = "manual"
)

// Provider owns one or more booths and receives payouts into its custodial holder.
type Provider struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"size:42;uniqueIndex"`
	HolderAddress string    `gorm:"size:42;not null"`
	EarningsTotal float64   `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CampaignHolder maps an on-chain campaign to the custodial holder that funds it.
type CampaignHolder struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CampaignID    uint64    `gorm:"uniqueIndex"`
	HolderAddress string    `gorm:"size:42;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PaymentTransaction is the audit record of one settlement attempt.
type PaymentTransaction struct {
	ID                 uuid.UUID     `gorm:"type:uuid;primaryKey"`
	CampaignID         uint64        `gorm:"index:idx_payment_lookup,priority:1"`
	DeviceID           uint64        `gorm:"index:idx_payment_lookup,priority:2"`
	Bucket             int64         `gorm:"index:idx_payment_lookup,priority:3;index"`
	ProviderID         uuid.UUID     `gorm:"type:uuid;index"`
	Amount             float64       `gorm:"not null"`
	SourceAddress      string        `gorm:"size:42"`
	DestinationAddress string        `gorm:"size:42"`
	Status             PaymentStatus `gorm:"size:16;index"`
	TransactionHash    string        `gorm:"size:128"`
	EventTxHash        string        `gorm:"size:128"`
	BlockNumber        uint64
	Origin             Origin `gorm:"size:16"`
	Error              string `gorm:"size:512"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const openIntentIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_intent_open
ON payment_transactions (campaign_id, device_id, bucket) WHERE status <> 'failed'`

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Provider{},
		&CampaignHolder{},
		&PaymentTransaction{},
	); err != nil {
		return err
	}
	// At most one open or completed intent per campaign, device and bucket.
	return db.Exec(openIntentIndexSQL).Error
}
