package payments

import (
	"github.com/google/uuid"

	"boothnet/ledger"
)

// Payment is one computed transfer from a campaign holder to a provider holder.
type Payment struct {
	CampaignID        uint64    `json:"campaignId"`
	DeviceID          uint64    `json:"deviceId"`
	Bucket            int64     `json:"bucket"`
	Amount            float64   `json:"amount"`
	ViewShare         float64   `json:"viewShare"`
	TapShare          float64   `json:"tapShare"`
	ProviderID        uuid.UUID `json:"providerId"`
	SourceHolder      string    `json:"sourceHolder"`
	DestinationHolder string    `json:"destinationHolder"`
	EventTxHash       string    `json:"eventTxHash,omitempty"`
	BlockNumber       uint64    `json:"blockNumber,omitempty"`
}

// Trigger identifies what caused a settlement run.
type Trigger struct {
	Origin      ledger.Origin
	EventTxHash string
	BlockNumber uint64
}

// Outcome is the result of settling a single payment.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped marks a payment already recorded for its bucket.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDiverged marks a transfer that succeeded but could not be recorded.
	OutcomeDiverged Outcome = "diverged"
)

// PaymentResult reports how one payment was settled.
type PaymentResult struct {
	Payment         Payment   `json:"payment"`
	Outcome         Outcome   `json:"outcome"`
	RecordID        uuid.UUID `json:"recordId,omitempty"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// BatchResult summarises a settlement batch.
type BatchResult struct {
	Results   []PaymentResult `json:"results"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Diverged  int             `json:"diverged"`
}

func (b *BatchResult) add(result PaymentResult) {
	b.Results = append(b.Results, result)
	switch result.Outcome {
	case OutcomeCompleted:
		b.Completed++
	case OutcomeFailed:
		b.Failed++
	case OutcomeSkipped:
		b.Skipped++
	case OutcomeDiverged:
		b.Diverged++
	}
}

// Attempted counts payments that reached the custodian.
func (b BatchResult) Attempted() int {
	return b.Completed + b.Failed + b.Diverged
}

// CampaignReport describes what happened to one campaign in a bucket.
type CampaignReport struct {
	CampaignID     uint64      `json:"campaignId"`
	Bucket         int64       `json:"bucket"`
	Booths         int         `json:"booths"`
	BoothsSkipped  int         `json:"boothsSkipped"`
	NoActivity     bool        `json:"noActivity,omitempty"`
	BelowThreshold int         `json:"belowThreshold"`
	Batch          BatchResult `json:"batch"`
	Error          string      `json:"error,omitempty"`
}

// Report aggregates the campaigns settled for one trigger.
type Report struct {
	Bucket    int64            `json:"bucket"`
	Campaigns []CampaignReport `json:"campaigns"`
}

// Totals sums payment outcomes across campaigns.
func (r Report) Totals() BatchResult {
	var total BatchResult
	for _, campaign := range r.Campaigns {
		total.Completed += campaign.Batch.Completed
		total.Failed += campaign.Batch.Failed
		total.Skipped += campaign.Batch.Skipped
		total.Diverged += campaign.Batch.Diverged
	}
	return total
}
