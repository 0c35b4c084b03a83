package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"boothnet/chain"
	"boothnet/custody"
	"boothnet/ledger"
)

const testBucket int64 = 1_700_000_100

type fakeRegistry struct {
	booths       map[uint64]chain.Booth
	campaigns    []chain.Campaign
	campaignsErr error
}

func (f *fakeRegistry) BoothDetails(_ context.Context, deviceID uint64) (chain.Booth, error) {
	booth, ok := f.booths[deviceID]
	if !ok {
		return chain.Booth{}, fmt.Errorf("booth %d not registered", deviceID)
	}
	return booth, nil
}

func (f *fakeRegistry) AllCampaigns(context.Context) ([]chain.Campaign, error) {
	return f.campaigns, f.campaignsErr
}

type fakeOracle struct {
	samples map[uint64]chain.Sample
}

func (f *fakeOracle) Metrics(_ context.Context, deviceID uint64, ts int64) (chain.Sample, error) {
	if ts != testBucket {
		return chain.Sample{}, fmt.Errorf("unexpected bucket %d", ts)
	}
	return f.samples[deviceID], nil
}

type recordingTransferrer struct {
	mu       sync.Mutex
	calls    []custody.TransferRequest
	failFor  map[string]error
	sequence int
}

func (r *recordingTransferrer) Transfer(_ context.Context, req custody.TransferRequest) (custody.TransferResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if err := r.failFor[req.Destination]; err != nil {
		return custody.TransferResult{}, err
	}
	r.sequence++
	return custody.TransferResult{TransactionHash: fmt.Sprintf("0xtx%d", r.sequence)}, nil
}

func (r *recordingTransferrer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func owner(n int) common.Address {
	return common.BigToAddress(new(big.Int).Lsh(big.NewInt(1), uint(n)))
}

type harness struct {
	store       *ledger.Store
	registry    *fakeRegistry
	oracle      *fakeOracle
	transferrer *recordingTransferrer
	engine      *Engine
	providers   map[uint64]*ledger.Provider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, ledger.AutoMigrate(db))
	store := ledger.NewStore(db)

	h := &harness{
		store: store,
		registry: &fakeRegistry{
			booths: map[uint64]chain.Booth{},
			campaigns: []chain.Campaign{
				{ID: 1, Active: true, BookedLocations: []uint64{10, 20}},
			},
		},
		oracle: &fakeOracle{samples: map[uint64]chain.Sample{
			10: {Views: 100, Taps: 10},
			20: {Views: 300, Taps: 30},
		}},
		transferrer: &recordingTransferrer{failFor: map[string]error{}},
		providers:   map[uint64]*ledger.Provider{},
	}
	for i, deviceID := range []uint64{10, 20, 30} {
		addr := owner(i + 1)
		h.registry.booths[deviceID] = chain.Booth{DeviceID: deviceID, Owner: addr, Active: true, Status: chain.BoothBooked}
		provider := &ledger.Provider{WalletAddress: addr.Hex(), HolderAddress: fmt.Sprintf("0xholder%d", deviceID)}
		require.NoError(t, store.SaveProvider(context.Background(), provider))
		h.providers[deviceID] = provider
	}
	require.NoError(t, store.SaveCampaignHolder(context.Background(), 1, "0xfund1"))

	executor := NewExecutor(store, h.transferrer, "0xtoken")
	h.engine, err = NewEngine(h.registry, h.oracle, store, executor)
	require.NoError(t, err)
	return h
}

func (h *harness) earnings(t *testing.T, deviceID uint64) float64 {
	t.Helper()
	p, err := h.store.Provider(context.Background(), h.providers[deviceID].ID)
	require.NoError(t, err)
	return p.EarningsTotal
}

func singleEvent(deviceID uint64) chain.MetricsEvent {
	return chain.MetricsEvent{
		Kind:        chain.KindMetricsUpdated,
		Timestamp:   testBucket + 42,
		Updates:     []chain.DeviceUpdate{{DeviceID: deviceID, Views: 1, Taps: 1}},
		TxHash:      "0xevent",
		BlockNumber: 77,
	}
}

func TestEngineScenarioA(t *testing.T) {
	h := newHarness(t)
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	require.Len(t, report.Campaigns, 1)
	require.Equal(t, 2, report.Totals().Completed)
	require.InDelta(t, 350, h.earnings(t, 10), 1e-6)
	require.InDelta(t, 850, h.earnings(t, 20), 1e-6)

	rows, err := h.store.PaymentsForBucket(context.Background(), testBucket)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, ledger.StatusCompleted, row.Status)
		require.Equal(t, "0xfund1", row.SourceAddress)
		require.Equal(t, "0xevent", row.EventTxHash)
		require.Equal(t, uint64(77), row.BlockNumber)
		require.Equal(t, ledger.OriginEvent, row.Origin)
		require.True(t, strings.HasPrefix(row.TransactionHash, "0xtx"))
	}
}

func TestEngineScenarioBZeroActivity(t *testing.T) {
	h := newHarness(t)
	h.registry.campaigns = []chain.Campaign{{ID: 1, Active: true, BookedLocations: []uint64{30}}}
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(30))
	require.NoError(t, err)
	require.True(t, report.Campaigns[0].NoActivity)
	require.Zero(t, h.transferrer.count())
	rows, err := h.store.PaymentsForBucket(context.Background(), testBucket)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestEngineScenarioCUnbookedDevice(t *testing.T) {
	h := newHarness(t)
	h.registry.campaigns = append(h.registry.campaigns, chain.Campaign{ID: 2, Active: false, BookedLocations: []uint64{30}})
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(30))
	require.NoError(t, err)
	require.Empty(t, report.Campaigns)
	require.Zero(t, h.transferrer.count())
}

func TestEngineScenarioDPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.transferrer.failFor["0xholder20"] = errors.New("insufficient balance")
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	totals := report.Totals()
	require.Equal(t, 1, totals.Completed)
	require.Equal(t, 1, totals.Failed)
	require.InDelta(t, 350, h.earnings(t, 10), 1e-6)
	require.Zero(t, h.earnings(t, 20))

	rows, err := h.store.PaymentsForBucket(context.Background(), testBucket)
	require.NoError(t, err)
	statuses := map[uint64]ledger.PaymentStatus{}
	for _, row := range rows {
		statuses[row.DeviceID] = row.Status
	}
	require.Equal(t, ledger.StatusCompleted, statuses[10])
	require.Equal(t, ledger.StatusFailed, statuses[20])
}

func TestEngineRedeliveryIsSkipped(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(20))
	require.NoError(t, err)
	require.Equal(t, 2, report.Totals().Skipped)
	require.Equal(t, 2, h.transferrer.count())
	require.InDelta(t, 850, h.earnings(t, 20), 1e-6)
}

func TestEngineBatchSettlesEachCampaignOnce(t *testing.T) {
	h := newHarness(t)
	event := chain.MetricsEvent{
		Kind:      chain.KindBatchMetricsUpdated,
		Timestamp: testBucket,
		Updates:   []chain.DeviceUpdate{{DeviceID: 10}, {DeviceID: 20}},
	}
	report, err := h.engine.AttributeAndSettle(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, report.Campaigns, 1)
	require.Equal(t, 2, h.transferrer.count())
}

func TestEngineSkipsUnresolvableBooth(t *testing.T) {
	h := newHarness(t)
	h.registry.campaigns = []chain.Campaign{{ID: 1, Active: true, BookedLocations: []uint64{10, 20, 99}}}
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	require.Equal(t, 1, report.Campaigns[0].BoothsSkipped)
	require.Equal(t, 2, report.Totals().Completed)
}

func TestEngineHolderFailureAbortsOnlyThatCampaign(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveCampaignHolder(context.Background(), 3, "0xfund3"))
	h.registry.campaigns = []chain.Campaign{
		{ID: 2, Active: true, BookedLocations: []uint64{10}},
		{ID: 3, Active: true, BookedLocations: []uint64{10, 20}},
	}
	report, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	require.Len(t, report.Campaigns, 2)
	require.NotEmpty(t, report.Campaigns[0].Error)
	require.Equal(t, 2, report.Campaigns[1].Batch.Completed)
}

func TestEngineFallsBackToOnChainHolder(t *testing.T) {
	h := newHarness(t)
	onChain := common.HexToAddress("0x00000000000000000000000000000000000000f5")
	h.registry.campaigns = []chain.Campaign{{ID: 5, Active: true, BookedLocations: []uint64{10}, Holder: onChain}}
	_, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	require.Equal(t, 1, h.transferrer.count())
	require.Equal(t, strings.ToLower(onChain.Hex()), h.transferrer.calls[0].Source)
}

func TestEngineCampaignListFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.campaignsErr = errors.New("rpc timeout")
	_, err := h.engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.Error(t, err)
}

func TestEngineConcurrentCampaignsCreditSameProvider(t *testing.T) {
	h := newHarness(t)
	var campaigns []chain.Campaign
	for id := uint64(100); id < 110; id++ {
		require.NoError(t, h.store.SaveCampaignHolder(context.Background(), id, fmt.Sprintf("0xfund%d", id)))
		campaigns = append(campaigns, chain.Campaign{ID: id, Active: true, BookedLocations: []uint64{10}})
	}
	report := h.engine.SettleCampaigns(context.Background(), testBucket, campaigns, Trigger{Origin: ledger.OriginScheduled})
	require.Equal(t, 10, report.Totals().Completed)
	// a lone booth with activity earns floor + full base rate
	require.InDelta(t, 10*1100, h.earnings(t, 10), 1e-6)
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	h := newHarness(t)
	_, err := NewEngine(h.registry, h.oracle, h.store, NewExecutor(h.store, h.transferrer, "t"),
		WithPolicy(Policy{BaseRate: 1000, ViewWeight: 0.9, TapWeight: 0.9}))
	require.Error(t, err)
}

func TestEngineDropsPaymentsBelowThreshold(t *testing.T) {
	h := newHarness(t)
	h.registry.campaigns = []chain.Campaign{{ID: 1, Active: true, BookedLocations: []uint64{10, 30}}}
	engine, err := NewEngine(h.registry, h.oracle, h.store, NewExecutor(h.store, h.transferrer, "0xtoken"),
		WithPolicy(Policy{BaseRate: 1000, MinimumRatio: 0, ViewWeight: 0.6, TapWeight: 0.4, SettlementThreshold: 1}))
	require.NoError(t, err)

	report, err := engine.AttributeAndSettle(context.Background(), singleEvent(10))
	require.NoError(t, err)
	require.Len(t, report.Campaigns, 1)
	require.Equal(t, 1, report.Campaigns[0].BelowThreshold)
	require.Equal(t, 1, report.Totals().Completed)

	require.Equal(t, 1, h.transferrer.count())
	require.Equal(t, "0xholder10", h.transferrer.calls[0].Destination)
	rows, err := h.store.PaymentsForBucket(context.Background(), testBucket)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(10), rows[0].DeviceID)
	require.Zero(t, h.earnings(t, 30))
}
