package settlerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boothnet/chain"
	"boothnet/feed"
	"boothnet/ledger"
	"boothnet/payments"
	"boothnet/recon"
)

// FeedController is the part of the subscription manager exposed to operators.
type FeedController interface {
	Status() feed.Status
	Restart(ctx context.Context) feed.Status
	Close()
}

// PaymentQuerier lists ledger rows.
type PaymentQuerier interface {
	ListPayments(ctx context.Context, filter ledger.PaymentFilter) (ledger.PaymentPage, error)
}

// EventProcessor attributes a decoded event synchronously.
type EventProcessor interface {
	AttributeAndSettleAs(ctx context.Context, event chain.MetricsEvent, origin ledger.Origin) (payments.Report, error)
}

// Reconciler runs an out-of-band reconciliation pass.
type Reconciler interface {
	RunReconciliationPass(ctx context.Context) (recon.PassResult, error)
}

// AdminDeps wires the admin server's collaborators. Feed and Reconciler may be nil
// when the corresponding component is disabled.
type AdminDeps struct {
	Feed       FeedController
	Payments   PaymentQuerier
	Processor  EventProcessor
	Reconciler Reconciler
	Auth       *Authenticator
	Logger     *slog.Logger
	Now        func() time.Time
}

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	feed       FeedController
	payments   PaymentQuerier
	processor  EventProcessor
	reconciler Reconciler
	auth       *Authenticator
	logger     *slog.Logger
	now        func() time.Time

	router http.Handler
}

// NewAdminServer constructs the operator API.
func NewAdminServer(deps AdminDeps) *AdminServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &AdminServer{
		feed:       deps.Feed,
		payments:   deps.Payments,
		processor:  deps.Processor,
		reconciler: deps.Reconciler,
		auth:       deps.Auth,
		logger:     logger,
		now:        now,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status/websocket", s.handleFeedStatus)
	r.Get("/payments", s.handleListPayments)

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Post("/status/websocket", s.handleFeedRestart)
		protected.Delete("/status/websocket", s.handleFeedClose)
		protected.Post("/payments/trigger", s.handleTrigger)
		protected.Post("/blockchain/test-event", s.handleTestEvent)
		protected.Post("/reconcile", s.handleReconcile)
	})
	return r
}

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type feedStatusResponse struct {
	feed.Status
	ServerTime time.Time `json:"serverTime"`
}

func (s *AdminServer) handleFeedStatus(w http.ResponseWriter, _ *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    feedStatusResponse{Status: s.feed.Status(), ServerTime: s.now().UTC()},
	})
}

func (s *AdminServer) handleFeedRestart(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	status := s.feed.Restart(r.Context())
	s.logger.Info("feed restarted by operator", "connected", status.Connected)
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: "websocket connection restarted",
		Data:    status,
	})
}

func (s *AdminServer) handleFeedClose(w http.ResponseWriter, _ *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "feed disabled")
		return
	}
	s.feed.Close()
	s.logger.Info("feed closed by operator")
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "websocket connection closed"})
}

func (s *AdminServer) handleListPayments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter ledger.PaymentFilter
	var err error
	if filter.CampaignID, err = optionalUint(query.Get("campaignId")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaignId")
		return
	}
	if filter.DeviceID, err = optionalUint(query.Get("deviceId")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid deviceId")
		return
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		filter.Status = ledger.PaymentStatus(strings.ToLower(raw))
	}
	if filter.Page, err = optionalInt(query.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	if filter.Limit, err = optionalInt(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	page, err := s.payments.ListPayments(r.Context(), filter)
	if err != nil {
		s.logger.Error("list payments failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: page})
}

type triggerRequest struct {
	DeviceID  uint64 `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	Views     uint64 `json:"views"`
	Taps      uint64 `json:"taps"`
}

type testEventRequest struct {
	EventType   string `json:"eventType"`
	DeviceID    uint64 `json:"deviceId"`
	Timestamp   int64  `json:"timestamp"`
	Views       uint64 `json:"views"`
	Taps        uint64 `json:"taps"`
	BlockNumber uint64 `json:"blockNumber"`
}

type eventResponse struct {
	Event  chain.MetricsEvent `json:"event"`
	Report payments.Report    `json:"report"`
}

func (s *AdminServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.DeviceID == 0 || req.Timestamp <= 0 {
		writeError(w, http.StatusBadRequest, "deviceId and timestamp are required")
		return
	}
	raw, err := chain.EncodeMetricsUpdated(chain.DeviceUpdate{DeviceID: req.DeviceID, Views: req.Views, Taps: req.Taps}, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw.TransactionHash = fmt.Sprintf("manual-trigger-%d", s.now().UnixMilli())
	s.process(w, r, raw, "payment processing triggered")
}

func (s *AdminServer) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var req testEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.DeviceID == 0 {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	if req.Timestamp <= 0 {
		req.Timestamp = s.now().Unix()
	}
	update := chain.DeviceUpdate{DeviceID: req.DeviceID, Views: req.Views, Taps: req.Taps}
	var (
		raw chain.RawLog
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.EventType)) {
	case "batch":
		raw, err = chain.EncodeBatchMetricsUpdated([]chain.DeviceUpdate{update}, req.Timestamp)
	case "", "single":
		raw, err = chain.EncodeMetricsUpdated(update, req.Timestamp)
	default:
		writeError(w, http.StatusBadRequest, "eventType must be single or batch")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw.TransactionHash = fmt.Sprintf("test-event-%d", s.now().UnixMilli())
	raw.BlockNumber = chain.Quantity(req.BlockNumber)
	s.process(w, r, raw, "test event processed")
}

// process runs the log through the same decoder the feed uses, then settles it inline.
func (s *AdminServer) process(w http.ResponseWriter, r *http.Request, raw chain.RawLog, message string) {
	event, err := chain.DecodeLog(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("processing operator event",
		"kind", string(event.Kind),
		"transaction_hash", event.TxHash,
		"bucket", event.Bucket(),
	)
	report, err := s.processor.AttributeAndSettleAs(r.Context(), event, ledger.OriginManual)
	if err != nil {
		s.logger.Error("operator event failed", "transaction_hash", event.TxHash, "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{
			Success: false,
			Message: "payment processing failed",
			Error:   err.Error(),
			Data:    eventResponse{Event: event, Report: report},
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: message,
		Data:    eventResponse{Event: event, Report: report},
	})
}

func (s *AdminServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation disabled")
		return
	}
	result, err := s.reconciler.RunReconciliationPass(r.Context())
	if errors.Is(err, recon.ErrPassInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("operator reconciliation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "reconciliation pass complete", Data: result})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func optionalUint(raw string) (*uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}
