package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicatePayment is returned when an open or completed intent already exists
	// for the same campaign, device and bucket.
	ErrDuplicatePayment = errors.New("ledger: payment already recorded for bucket")
	// ErrInvalidTransition is returned when a payment is not pending.
	ErrInvalidTransition = errors.New("ledger: invalid payment status transition")
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// Store persists providers, campaign holders and payment transactions.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps a migrated gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// NormalizeAddress lowercases and trims a hex address for storage and lookup.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SaveProvider inserts or updates the provider keyed by wallet address.
func (s *Store) SaveProvider(ctx context.Context, provider *Provider) error {
	if provider == nil {
		return errors.New("ledger: nil provider")
	}
	provider.WalletAddress = NormalizeAddress(provider.WalletAddress)
	provider.HolderAddress = NormalizeAddress(provider.HolderAddress)
	if provider.WalletAddress == "" || provider.HolderAddress == "" {
		return errors.New("ledger: provider wallet and holder are required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Provider
		err := tx.Where("wallet_address = ?", provider.WalletAddress).First(&existing).Error
		switch {
		case err == nil:
			provider.ID = existing.ID
			provider.EarningsTotal = existing.EarningsTotal
			return tx.Model(&existing).Updates(map[string]interface{}{
				"holder_address": provider.HolderAddress,
				"updated_at":     s.now().UTC(),
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if provider.ID == uuid.Nil {
				provider.ID = uuid.New()
			}
			return tx.Create(provider).Error
		default:
			return err
		}
	})
}

// SaveCampaignHolder records the funding holder for a campaign.
func (s *Store) SaveCampaignHolder(ctx context.Context, campaignID uint64, holder string) error {
	holder = NormalizeAddress(holder)
	if holder == "" {
		return errors.New("ledger: holder address required")
	}
	db := s.db.WithContext(ctx)
	var existing CampaignHolder
	err := db.Where("campaign_id = ?", campaignID).First(&existing).Error
	switch {
	case err == nil:
		return db.Model(&existing).Updates(map[string]interface{}{
			"holder_address": holder,
			"updated_at":     s.now().UTC(),
		}).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&CampaignHolder{ID: uuid.New(), CampaignID: campaignID, HolderAddress: holder}).Error
	default:
		return err
	}
}

// CampaignHolder returns the holder funding campaignID.
func (s *Store) CampaignHolder(ctx context.Context, campaignID uint64) (*CampaignHolder, error) {
	var holder CampaignHolder
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&holder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign holder %d", ErrNotFound, campaignID)
		}
		return nil, err
	}
	return &holder, nil
}

// ProviderByWallet resolves the provider owning wallet.
func (s *Store) ProviderByWallet(ctx context.Context, wallet string) (*Provider, error) {
	var provider Provider
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", NormalizeAddress(wallet)).First(&provider).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: provider %s", ErrNotFound, wallet)
		}
		return nil, err
	}
	return &provider, nil
}

// Provider loads a provider by id.
func (s *Store) Provider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var provider Provider
	if err := s.db.WithContext(ctx).First(&provider, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: provider %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &provider, nil
}

// InsertPaymentTransaction claims a pending intent. A second open intent for the same
// campaign, device and bucket fails with ErrDuplicatePayment.
func (s *Store) InsertPaymentTransaction(ctx context.Context, record *PaymentTransaction) error {
	if record == nil {
		return errors.New("ledger: nil payment")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	if record.Status != StatusPending {
		return fmt.Errorf("%w: insert as %s", ErrInvalidTransition, record.Status)
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.SourceAddress = NormalizeAddress(record.SourceAddress)
	record.DestinationAddress = NormalizeAddress(record.DestinationAddress)
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: campaign=%d device=%d bucket=%d", ErrDuplicatePayment, record.CampaignID, record.DeviceID, record.Bucket)
		}
		return fmt.Errorf("ledger: insert payment: %w", err)
	}
	return nil
}

// CompletePayment marks a pending payment completed and credits the provider in one
// transaction.
func (s *Store) CompletePayment(ctx context.Context, id uuid.UUID, txHash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record PaymentTransaction
		if err := tx.First(&record, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, id)
			}
			return err
		}
		if err := transition(tx, id, StatusCompleted, map[string]interface{}{
			"transaction_hash": strings.TrimSpace(txHash),
			"updated_at":       s.now().UTC(),
		}); err != nil {
			return err
		}
		if record.ProviderID == uuid.Nil {
			return nil
		}
		return incrementEarnings(tx, record.ProviderID, record.Amount)
	})
}

// FailPayment marks a pending payment failed with reason.
func (s *Store) FailPayment(ctx context.Context, id uuid.UUID, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return transition(s.db.WithContext(ctx), id, StatusFailed, map[string]interface{}{
		"error":      reason,
		"updated_at": s.now().UTC(),
	})
}

// IncrementProviderEarnings adds amount to the provider's running total.
func (s *Store) IncrementProviderEarnings(ctx context.Context, providerID uuid.UUID, amount float64) error {
	return incrementEarnings(s.db.WithContext(ctx), providerID, amount)
}

func transition(db *gorm.DB, id uuid.UUID, to PaymentStatus, fields map[string]interface{}) error {
	fields["status"] = to
	res := db.Model(&PaymentTransaction{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("ledger: mark %s: %w", to, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, id, to)
	}
	return nil
}

func incrementEarnings(db *gorm.DB, providerID uuid.UUID, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative earnings increment %f", amount)
	}
	res := db.Model(&Provider{}).
		Where("id = ?", providerID).
		Update("earnings_total", gorm.Expr("earnings_total + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("ledger: increment earnings: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
	}
	return nil
}

// Payment loads a payment transaction by id.
func (s *Store) Payment(ctx context.Context, id uuid.UUID) (*PaymentTransaction, error) {
	var record PaymentTransaction
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &record, nil
}

// PaymentFilter narrows ListPayments. Zero values match everything.
type PaymentFilter struct {
	CampaignID *uint64
	DeviceID   *uint64
	Status     PaymentStatus
	Page       int
	Limit      int
}

// PaymentPage is one page of payments, newest first.
type PaymentPage struct {
	Payments   []PaymentTransaction `json:"payments"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	TotalPages int                  `json:"totalPages"`
}

// ListPayments returns a page of payment transactions ordered by creation time descending.
func (s *Store) ListPayments(ctx context.Context, filter PaymentFilter) (PaymentPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query := s.db.WithContext(ctx).Model(&PaymentTransaction{})
	if filter.CampaignID != nil {
		query = query.Where("campaign_id = ?", *filter.CampaignID)
	}
	if filter.DeviceID != nil {
		query = query.Where("device_id = ?", *filter.DeviceID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return PaymentPage{}, fmt.Errorf("ledger: count payments: %w", err)
	}
	payments := make([]PaymentTransaction, 0, limit)
	if err := query.Order("created_at DESC").Order("id").Offset((page - 1) * limit).Limit(limit).Find(&payments).Error; err != nil {
		return PaymentPage{}, fmt.Errorf("ledger: list payments: %w", err)
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return PaymentPage{Payments: payments, Total: total, Page: page, Limit: limit, TotalPages: totalPages}, nil
}

// PaymentsForBucket returns every payment recorded for bucket.
func (s *Store) PaymentsForBucket(ctx context.Context, bucket int64) ([]PaymentTransaction, error) {
	var payments []PaymentTransaction
	if err := s.db.WithContext(ctx).Where("bucket = ?", bucket).Order("campaign_id, device_id, created_at").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("ledger: bucket payments: %w", err)
	}
	return payments, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
