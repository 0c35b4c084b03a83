package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boothnet/custody"
	"boothnet/ledger"
	"boothnet/observability"
)

// DefaultTokenDecimals is the precision amounts are rounded to before transfer.
const DefaultTokenDecimals = 6

// DefaultTransferTimeout bounds a single custodial transfer once dispatched.
const DefaultTransferTimeout = 60 * time.Second

// DivergenceChannel tags log lines for transfers the ledger failed to record.
const DivergenceChannel = "ledger-divergence"

// PaymentLedger is the persistence used by the Executor.
type PaymentLedger interface {
	InsertPaymentTransaction(ctx context.Context, record *ledger.PaymentTransaction) error
	CompletePayment(ctx context.Context, id uuid.UUID, txHash string) error
	FailPayment(ctx context.Context, id uuid.UUID, reason string) error
}

// Executor moves tokens for computed payments and keeps the ledger in step.
type Executor struct {
	ledger      PaymentLedger
	transferrer custody.Transferrer
	token       string
	decimals    int32
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *observability.SettlerdMetrics
	tracer      trace.Tracer
}

// ExecutorOption customises the executor.
type ExecutorOption func(*Executor)

// WithTokenDecimals sets the rounding precision for transfer amounts.
func WithTokenDecimals(decimals int32) ExecutorOption {
	return func(x *Executor) { x.decimals = decimals }
}

// WithTransferTimeout bounds each custodial transfer independently of the caller.
func WithTransferTimeout(timeout time.Duration) ExecutorOption {
	return func(x *Executor) { x.timeout = timeout }
}

// WithExecutorLogger overrides the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = logger }
}

// WithExecutorMetrics overrides the metrics registry.
func WithExecutorMetrics(m *observability.SettlerdMetrics) ExecutorOption {
	return func(x *Executor) { x.metrics = m }
}

// NewExecutor builds an executor transferring token through transferrer.
func NewExecutor(store PaymentLedger, transferrer custody.Transferrer, token string, opts ...ExecutorOption) *Executor {
	x := &Executor{
		ledger:      store,
		transferrer: transferrer,
		token:       token,
		decimals:    DefaultTokenDecimals,
		timeout:     DefaultTransferTimeout,
		logger:      slog.Default(),
		metrics:     observability.Settlerd(),
		tracer:      otel.Tracer("boothnet/payments"),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	if x.timeout <= 0 {
		x.timeout = DefaultTransferTimeout
	}
	return x
}

// Settle attempts every payment independently. A failure never stops the batch.
func (x *Executor) Settle(ctx context.Context, origin ledger.Origin, payments []Payment) BatchResult {
	var batch BatchResult
	for _, payment := range payments {
		result := x.settleOne(ctx, origin, payment)
		x.metrics.RecordPayment(string(origin), string(result.Outcome), payment.Amount)
		batch.add(result)
	}
	return batch
}

func (x *Executor) settleOne(ctx context.Context, origin ledger.Origin, payment Payment) PaymentResult {
	ctx, span := x.tracer.Start(ctx, "payments.settle",
		trace.WithAttributes(
			attribute.Int64("campaign.id", int64(payment.CampaignID)),
			attribute.Int64("device.id", int64(payment.DeviceID)),
			attribute.Int64("bucket", payment.Bucket),
		))
	defer span.End()

	log := x.logger.With(
		"campaign_id", payment.CampaignID,
		"device_id", payment.DeviceID,
		"bucket", payment.Bucket,
		"origin", string(origin),
	)
	result := PaymentResult{Payment: payment}
	fail := func(err error) PaymentResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return result
	}

	amount := decimal.NewFromFloat(payment.Amount).Round(x.decimals)
	if !amount.IsPositive() {
		return fail(fmt.Errorf("payments: amount %s rounds to zero", amount))
	}
	if x.ledger == nil || x.transferrer == nil {
		return fail(errors.New("payments: executor not configured"))
	}
	record := &ledger.PaymentTransaction{
		CampaignID:         payment.CampaignID,
		DeviceID:           payment.DeviceID,
		Bucket:             payment.Bucket,
		ProviderID:         payment.ProviderID,
		Amount:             amount.InexactFloat64(),
		SourceAddress:      payment.SourceHolder,
		DestinationAddress: payment.DestinationHolder,
		Status:             ledger.StatusPending,
		EventTxHash:        payment.EventTxHash,
		BlockNumber:        payment.BlockNumber,
		Origin:             origin,
	}
	if err := x.ledger.InsertPaymentTransaction(ctx, record); err != nil {
		if errors.Is(err, ledger.ErrDuplicatePayment) {
			log.Info("payment already recorded for bucket, skipping")
			span.SetStatus(codes.Ok, "skipped")
			result.Outcome = OutcomeSkipped
			return result
		}
		log.Error("claim payment intent", "error", err)
		return fail(fmt.Errorf("payments: claim intent: %w", err))
	}
	result.RecordID = record.ID

	// Failed rows can be claimed again, so a claimed transfer ignores caller cancellation.
	persistCtx := context.WithoutCancel(ctx)
	transferCtx, cancel := context.WithTimeout(persistCtx, x.timeout)
	transfer, err := x.transferrer.Transfer(transferCtx, custody.TransferRequest{
		Source:      payment.SourceHolder,
		Destination: payment.DestinationHolder,
		Token:       x.token,
		Amount:      amount,
	})
	cancel()
	if err != nil {
		log.Warn("transfer failed", "amount", amount.String(), "error", err)
		if ferr := x.ledger.FailPayment(persistCtx, record.ID, err.Error()); ferr != nil {
			log.Error("mark payment failed", "record_id", record.ID, "error", ferr)
		}
		return fail(err)
	}
	result.TransactionHash = transfer.TransactionHash
	if err := x.ledger.CompletePayment(persistCtx, record.ID, transfer.TransactionHash); err != nil {
		x.metrics.RecordLedgerDivergence()
		x.logger.Error("transfer succeeded but ledger update failed",
			"channel", DivergenceChannel,
			"record_id", record.ID,
			"campaign_id", payment.CampaignID,
			"device_id", payment.DeviceID,
			"bucket", payment.Bucket,
			"amount", amount.String(),
			"source", payment.SourceHolder,
			"destination", payment.DestinationHolder,
			"transaction_hash", transfer.TransactionHash,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger divergence")
		result.Outcome = OutcomeDiverged
		result.Error = err.Error()
		return result
	}
	log.Info("payment completed", "amount", amount.String(), "transaction_hash", transfer.TransactionHash)
	span.SetStatus(codes.Ok, "completed")
	result.Outcome = OutcomeCompleted
	return result
}
