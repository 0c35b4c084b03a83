package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boothnet/chain"
	"boothnet/ledger"
	"boothnet/observability"
)

// DefaultCampaignConcurrency bounds how many campaigns of one trigger settle at once.
const DefaultCampaignConcurrency = 4

// Directory resolves off-chain holders for campaigns and booth owners.
type Directory interface {
	CampaignHolder(ctx context.Context, campaignID uint64) (*ledger.CampaignHolder, error)
	ProviderByWallet(ctx context.Context, wallet string) (*ledger.Provider, error)
}

// Settler executes computed payments.
type Settler interface {
	Settle(ctx context.Context, origin ledger.Origin, payments []Payment) BatchResult
}

// Engine attributes oracle activity to campaigns and settles the proportional split.
type Engine struct {
	registry    chain.RegistryReader
	metrics     chain.MetricsReader
	directory   Directory
	settler     Settler
	policy      Policy
	concurrency int
	logger      *slog.Logger
	stats       *observability.SettlerdMetrics
	tracer      trace.Tracer
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithPolicy overrides the default split policy.
func WithPolicy(policy Policy) EngineOption {
	return func(e *Engine) { e.policy = policy }
}

// WithCampaignConcurrency bounds concurrent campaign settlement per trigger.
func WithCampaignConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

// WithEngineLogger overrides the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineMetrics overrides the metrics registry.
func WithEngineMetrics(m *observability.SettlerdMetrics) EngineOption {
	return func(e *Engine) { e.stats = m }
}

// NewEngine wires the engine. The policy is validated here so a bad configuration
// fails at startup rather than per event.
func NewEngine(registry chain.RegistryReader, metrics chain.MetricsReader, directory Directory, settler Settler, opts ...EngineOption) (*Engine, error) {
	if registry == nil || metrics == nil || directory == nil || settler == nil {
		return nil, errors.New("payments: registry, metrics, directory and settler are required")
	}
	e := &Engine{
		registry:    registry,
		metrics:     metrics,
		directory:   directory,
		settler:     settler,
		policy:      DefaultPolicy(),
		concurrency: DefaultCampaignConcurrency,
		logger:      slog.Default(),
		stats:       observability.Settlerd(),
		tracer:      otel.Tracer("boothnet/payments"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Policy returns the active split policy.
func (e *Engine) Policy() Policy { return e.policy }

// AttributeAndSettle settles every active campaign booking a device touched by event.
func (e *Engine) AttributeAndSettle(ctx context.Context, event chain.MetricsEvent) (Report, error) {
	return e.AttributeAndSettleAs(ctx, event, ledger.OriginEvent)
}

// AttributeAndSettleAs is AttributeAndSettle with an explicit origin tag.
func (e *Engine) AttributeAndSettleAs(ctx context.Context, event chain.MetricsEvent, origin ledger.Origin) (Report, error) {
	bucket := event.Bucket()
	report := Report{Bucket: bucket}
	devices := event.DeviceIDs()
	if len(devices) == 0 {
		return report, nil
	}
	ctx, span := e.tracer.Start(ctx, "payments.attribute",
		trace.WithAttributes(
			attribute.String("event.kind", string(event.Kind)),
			attribute.Int64("bucket", bucket),
			attribute.Int("devices", len(devices)),
		))
	defer span.End()

	campaigns, err := e.registry.AllCampaigns(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("payments: list campaigns: %w", err)
	}
	matched := matchCampaigns(campaigns, devices)
	if len(matched) == 0 {
		e.logger.Debug("no active campaign books event devices", "bucket", bucket, "devices", devices)
		return report, nil
	}
	return e.SettleCampaigns(ctx, bucket, matched, Trigger{
		Origin:      origin,
		EventTxHash: event.TxHash,
		BlockNumber: event.BlockNumber,
	}), nil
}

// matchCampaigns selects active campaigns booking any of devices, each once.
func matchCampaigns(campaigns []chain.Campaign, devices []uint64) []chain.Campaign {
	seen := make(map[uint64]struct{})
	var matched []chain.Campaign
	for _, deviceID := range devices {
		for _, campaign := range chain.ActiveCampaignsFor(campaigns, deviceID) {
			if _, ok := seen[campaign.ID]; ok {
				continue
			}
			seen[campaign.ID] = struct{}{}
			matched = append(matched, campaign)
		}
	}
	return matched
}

// SettleCampaigns runs the split for each campaign in bucket. Campaigns settle
// concurrently up to the configured bound; each campaign is processed sequentially.
func (e *Engine) SettleCampaigns(ctx context.Context, bucket int64, campaigns []chain.Campaign, trigger Trigger) Report {
	report := Report{Bucket: bucket, Campaigns: make([]CampaignReport, len(campaigns))}
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, campaign := range campaigns {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, campaign chain.Campaign) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("campaign settlement panicked", "campaign_id", campaign.ID, "bucket", bucket, "panic", r)
					report.Campaigns[i] = CampaignReport{CampaignID: campaign.ID, Bucket: bucket, Error: fmt.Sprint(r)}
				}
			}()
			report.Campaigns[i] = e.settleCampaign(ctx, bucket, campaign, trigger)
		}(i, campaign)
	}
	wg.Wait()
	return report
}

type boothTarget struct {
	metrics BoothMetrics
	holder  string
	payee   *ledger.Provider
}

func (e *Engine) settleCampaign(ctx context.Context, bucket int64, campaign chain.Campaign, trigger Trigger) CampaignReport {
	ctx, span := e.tracer.Start(ctx, "payments.campaign",
		trace.WithAttributes(
			attribute.Int64("campaign.id", int64(campaign.ID)),
			attribute.Int64("bucket", bucket),
		))
	defer span.End()
	log := e.logger.With("campaign_id", campaign.ID, "bucket", bucket)
	report := CampaignReport{CampaignID: campaign.ID, Bucket: bucket, Booths: len(campaign.BookedLocations)}

	source, err := e.campaignHolder(ctx, campaign)
	if err != nil {
		log.Error("resolve campaign holder", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Error = err.Error()
		e.stats.RecordCampaign("holder_unresolved")
		return report
	}

	targets := make([]boothTarget, 0, len(campaign.BookedLocations))
	for _, deviceID := range campaign.BookedLocations {
		target, err := e.resolveBooth(ctx, deviceID, bucket)
		if err != nil {
			log.Error("skip booth", "device_id", deviceID, "error", err)
			report.BoothsSkipped++
			continue
		}
		targets = append(targets, target)
	}
	if ctx.Err() != nil {
		report.Error = ctx.Err().Error()
		return report
	}

	samples := make([]BoothMetrics, len(targets))
	for i, target := range targets {
		samples[i] = target.metrics
	}
	shares := Split(e.policy, samples)
	if shares == nil {
		log.Debug("no activity in bucket")
		report.NoActivity = true
		e.stats.RecordCampaign("no_activity")
		return report
	}

	payments := make([]Payment, 0, len(shares))
	for i, share := range shares {
		if !e.policy.AboveThreshold(share.Amount) {
			report.BelowThreshold++
			continue
		}
		target := targets[i]
		payments = append(payments, Payment{
			CampaignID:        campaign.ID,
			DeviceID:          share.DeviceID,
			Bucket:            bucket,
			Amount:            share.Amount,
			ViewShare:         share.ViewShare,
			TapShare:          share.TapShare,
			ProviderID:        target.payee.ID,
			SourceHolder:      source,
			DestinationHolder: target.holder,
			EventTxHash:       trigger.EventTxHash,
			BlockNumber:       trigger.BlockNumber,
		})
	}
	if len(payments) == 0 {
		e.stats.RecordCampaign("below_threshold")
		return report
	}
	report.Batch = e.settler.Settle(ctx, trigger.Origin, payments)
	log.Info("campaign distribution settled",
		"completed", report.Batch.Completed,
		"attempted", report.Batch.Attempted(),
		"skipped", report.Batch.Skipped,
		"failed", report.Batch.Failed,
	)
	outcome := "settled"
	if report.Batch.Failed > 0 || report.Batch.Diverged > 0 {
		outcome = "partial"
		span.SetStatus(codes.Error, "partial settlement")
	}
	e.stats.RecordCampaign(outcome)
	return report
}

// campaignHolder prefers the ledger mapping and falls back to the holder recorded
// on-chain for the campaign.
func (e *Engine) campaignHolder(ctx context.Context, campaign chain.Campaign) (string, error) {
	holder, err := e.directory.CampaignHolder(ctx, campaign.ID)
	if err == nil && holder.HolderAddress != "" {
		return holder.HolderAddress, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return "", err
	}
	if (campaign.Holder != common.Address{}) {
		return ledger.NormalizeAddress(campaign.Holder.Hex()), nil
	}
	return "", fmt.Errorf("payments: no holder for campaign %d", campaign.ID)
}

func (e *Engine) resolveBooth(ctx context.Context, deviceID uint64, bucket int64) (boothTarget, error) {
	booth, err := e.registry.BoothDetails(ctx, deviceID)
	if err != nil {
		return boothTarget{}, err
	}
	provider, err := e.directory.ProviderByWallet(ctx, booth.Owner.Hex())
	if err != nil {
		return boothTarget{}, err
	}
	sample, err := e.metrics.Metrics(ctx, deviceID, bucket)
	if err != nil {
		return boothTarget{}, err
	}
	return boothTarget{
		metrics: BoothMetrics{DeviceID: deviceID, Views: sample.Views, Taps: sample.Taps},
		holder:  provider.HolderAddress,
		payee:   provider,
	}, nil
}
