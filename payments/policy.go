package payments

import (
	"fmt"
	"math"
)

// Policy holds the proportional split constants applied to every campaign bucket.
type Policy struct {
	// BaseRate is the token amount distributed per campaign per bucket before the floor.
	BaseRate float64 `yaml:"base_rate" toml:"base_rate"`
	// MinimumRatio is the fraction of BaseRate every participating booth receives.
	MinimumRatio float64 `yaml:"minimum_ratio" toml:"minimum_ratio"`
	ViewWeight   float64 `yaml:"view_weight" toml:"view_weight"`
	TapWeight    float64 `yaml:"tap_weight" toml:"tap_weight"`
	// SettlementThreshold drops any computed payment below it.
	SettlementThreshold float64 `yaml:"settlement_threshold" toml:"settlement_threshold"`
}

// DefaultPolicy returns the network's standard 60/40 split with a 10% floor.
func DefaultPolicy() Policy {
	return Policy{
		BaseRate:            1000,
		MinimumRatio:        0.1,
		ViewWeight:          0.6,
		TapWeight:           0.4,
		SettlementThreshold: 1,
	}
}

// MinimumPayment is the floor paid to every booth of a campaign with activity.
func (p Policy) MinimumPayment() float64 {
	return p.MinimumRatio * p.BaseRate
}

// Validate rejects policies that would mint negative or unbalanced payments.
func (p Policy) Validate() error {
	if p.BaseRate <= 0 || math.IsNaN(p.BaseRate) || math.IsInf(p.BaseRate, 0) {
		return fmt.Errorf("payments: base rate must be positive")
	}
	if p.MinimumRatio < 0 {
		return fmt.Errorf("payments: minimum ratio must not be negative")
	}
	if p.ViewWeight < 0 || p.TapWeight < 0 {
		return fmt.Errorf("payments: weights must not be negative")
	}
	if math.Abs(p.ViewWeight+p.TapWeight-1) > 1e-9 {
		return fmt.Errorf("payments: view and tap weights must sum to 1, got %.4f", p.ViewWeight+p.TapWeight)
	}
	if p.SettlementThreshold < 0 {
		return fmt.Errorf("payments: settlement threshold must not be negative")
	}
	return nil
}

// BoothMetrics is one booth's sample for the bucket being split.
type BoothMetrics struct {
	DeviceID uint64
	Views    uint64
	Taps     uint64
}

// Share is one booth's portion of a campaign bucket.
type Share struct {
	DeviceID  uint64  `json:"deviceId"`
	ViewShare float64 `json:"viewShare"`
	TapShare  float64 `json:"tapShare"`
	Amount    float64 `json:"amount"`
}

// Split computes every booth's share. It returns nil when the campaign had no views and
// no taps in the bucket.
func Split(policy Policy, booths []BoothMetrics) []Share {
	var totalViews, totalTaps uint64
	for _, booth := range booths {
		totalViews += booth.Views
		totalTaps += booth.Taps
	}
	if totalViews == 0 && totalTaps == 0 {
		return nil
	}
	floor := policy.MinimumPayment()
	shares := make([]Share, 0, len(booths))
	for _, booth := range booths {
		var viewShare, tapShare float64
		if totalViews > 0 {
			viewShare = float64(booth.Views) / float64(totalViews)
		}
		if totalTaps > 0 {
			tapShare = float64(booth.Taps) / float64(totalTaps)
		}
		shares = append(shares, Share{
			DeviceID:  booth.DeviceID,
			ViewShare: viewShare,
			TapShare:  tapShare,
			Amount:    floor + policy.BaseRate*policy.ViewWeight*viewShare + policy.BaseRate*policy.TapWeight*tapShare,
		})
	}
	return shares
}

// AboveThreshold reports whether amount should be settled.
func (p Policy) AboveThreshold(amount float64) bool {
	return amount >= p.SettlementThreshold
}
