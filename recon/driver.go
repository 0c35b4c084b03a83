package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boothnet/chain"
	"boothnet/ledger"
	"boothnet/observability"
	"boothnet/payments"
)

// ErrPassInProgress is returned when a pass is requested while another is running.
var ErrPassInProgress = errors.New("recon: reconciliation pass already running")

// CampaignSettler runs the proportional split for a set of campaigns.
type CampaignSettler interface {
	SettleCampaigns(ctx context.Context, bucket int64, campaigns []chain.Campaign, trigger payments.Trigger) payments.Report
}

// Exporter writes a bucket's payment rows to an audit file.
type Exporter interface {
	ExportBucket(ctx context.Context, dir string, bucket int64) (string, int, error)
}

// Config captures the dependencies required to construct a Driver.
type Config struct {
	Registry  chain.RegistryReader
	Settler   CampaignSettler
	Exporter  Exporter
	ReportDir string
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.SettlerdMetrics
}

// PassResult summarises one reconciliation pass.
type PassResult struct {
	Bucket     int64           `json:"bucket"`
	Campaigns  int             `json:"campaigns"`
	Report     payments.Report `json:"report"`
	ExportPath string          `json:"exportPath,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Driver settles every active campaign for the current bucket, independent of the feed.
type Driver struct {
	registry  chain.RegistryReader
	settler   CampaignSettler
	exporter  Exporter
	reportDir string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.SettlerdMetrics

	running sync.Mutex
}

// NewDriver constructs a driver.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Registry == nil || cfg.Settler == nil {
		return nil, fmt.Errorf("recon: registry and settler are required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Settlerd()
	}
	return &Driver{
		registry:  cfg.Registry,
		settler:   cfg.Settler,
		exporter:  cfg.Exporter,
		reportDir: cfg.ReportDir,
		now:       now,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// RunReconciliationPass settles the bucket containing now.
func (d *Driver) RunReconciliationPass(ctx context.Context) (PassResult, error) {
	return d.RunForBucket(ctx, chain.FloorBucket(d.now()))
}

// RunForBucket settles every active campaign for bucket.
func (d *Driver) RunForBucket(ctx context.Context, bucket int64) (PassResult, error) {
	if !d.running.TryLock() {
		return PassResult{Bucket: bucket}, ErrPassInProgress
	}
	defer d.running.Unlock()

	start := time.Now()
	result := PassResult{Bucket: bucket}
	campaigns, err := d.registry.AllCampaigns(ctx)
	if err != nil {
		result.Duration = time.Since(start)
		d.metrics.ObservePass(bucket, result.Duration, false)
		return result, fmt.Errorf("recon: list campaigns: %w", err)
	}
	active := chain.ActiveCampaigns(campaigns)
	result.Campaigns = len(active)
	if len(active) > 0 {
		result.Report = d.settler.SettleCampaigns(ctx, bucket, active, payments.Trigger{Origin: ledger.OriginScheduled})
	}
	if d.exporter != nil && d.reportDir != "" {
		path, rows, err := d.exporter.ExportBucket(ctx, d.reportDir, bucket)
		if err != nil {
			d.logger.Warn("recon export failed", "bucket", bucket, "error", err)
		} else if path != "" {
			d.logger.Info("recon export written", "bucket", bucket, "path", path, "rows", rows)
			result.ExportPath = path
		}
	}
	result.Duration = time.Since(start)
	d.metrics.ObservePass(bucket, result.Duration, true)
	totals := result.Report.Totals()
	d.logger.Info("reconciliation pass complete",
		"bucket", bucket,
		"campaigns", result.Campaigns,
		"completed", totals.Completed,
		"failed", totals.Failed,
		"skipped", totals.Skipped,
		"duration", result.Duration.String(),
	)
	return result, nil
}
