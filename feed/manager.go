package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"boothnet/chain"
	"boothnet/observability"
)

const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// Handler receives decoded events from the worker pool.
type Handler func(ctx context.Context, event chain.MetricsEvent)

// Status is a snapshot of the feed connection.
type Status struct {
	Connected         bool       `json:"connected"`
	LastEventTime     *time.Time `json:"lastEventTime"`
	EventsReceived    uint64     `json:"eventsReceived"`
	ReconnectAttempts uint64     `json:"reconnectAttempts"`
}

// Config configures a Manager.
type Config struct {
	OracleAddress common.Address
	APIKey        string
	Network       string
	Workers       int
	QueueSize     int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// Manager owns the single subscription to the oracle log feed.
type Manager struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	journal *Journal
	logger  *slog.Logger
	metrics *observability.SettlerdMetrics
	now     func() time.Time

	mu      sync.Mutex
	status  Status
	running bool
	closing chan struct{}
	cancel  context.CancelFunc
	conn    Conn
	wg      sync.WaitGroup
}

// Option customises the manager.
type Option func(*Manager)

// WithJournal enables replay suppression.
func WithJournal(j *Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.SettlerdMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock sets the function used to stamp event arrival.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// NewManager constructs a manager. Nothing is dialled until Initialize.
func NewManager(cfg Config, dialer Dialer, handler Handler, opts ...Option) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  slog.Default(),
		metrics: observability.Settlerd(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Initialize starts the connection loop unless one is already running, and returns
// the current status. A Close in progress is waited out first.
func (m *Manager) Initialize(ctx context.Context) Status {
	m.mu.Lock()
	for m.closing != nil {
		done := m.closing
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if m.running {
		return m.snapshotLocked()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true
	queue := make(chan chain.MetricsEvent, m.cfg.QueueSize)
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, queue)
	}
	m.wg.Add(1)
	go m.run(runCtx, queue)
	return m.snapshotLocked()
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Running reports whether the connection loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) snapshotLocked() Status {
	status := m.status
	if m.status.LastEventTime != nil {
		ts := *m.status.LastEventTime
		status.LastEventTime = &ts
	}
	return status
}

// Close tears down the connection and waits for the loop and workers to exit.
// Concurrent callers wait for the same teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closing != nil {
		done := m.closing
		m.mu.Unlock()
		<-done
		return
	}
	if !m.running {
		m.mu.Unlock()
		return
	}
	done := make(chan struct{})
	m.closing = done
	m.cancel()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	// The close handshake can take seconds; Status stays readable meanwhile.
	if conn != nil {
		_ = conn.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.status.Connected = false
	m.status.ReconnectAttempts = 0
	m.closing = nil
	m.mu.Unlock()
	close(done)
	m.metrics.SetConnected(false)
}

// Restart closes any live connection and initializes a fresh one.
func (m *Manager) Restart(ctx context.Context) Status {
	m.Close()
	return m.Initialize(ctx)
}

func (m *Manager) run(ctx context.Context, queue chan<- chain.MetricsEvent) {
	defer m.wg.Done()
	backoff := m.cfg.BaseBackoff
	redial := false
	for {
		if ctx.Err() != nil {
			return
		}
		if redial {
			attempt := m.recordReconnectAttempt()
			m.logger.Info("feed reconnecting", "attempt", attempt)
		}
		redial = true
		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("feed connect failed", "retry_in", backoff.String(), "error", err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.cfg.BaseBackoff, m.cfg.MaxBackoff)
			continue
		}
		backoff = m.cfg.BaseBackoff
		err = m.readLoop(ctx, conn, queue)
		m.disconnect(conn)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("feed disconnected", "error", err)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// connect dials, authenticates and (re)issues every topic subscription.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	if m.dialer == nil {
		return nil, errors.New("feed: dialer not configured")
	}
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, Frame{Type: FrameAuth, APIKey: m.cfg.APIKey, Protocol: "ethereum", Network: m.cfg.Network}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("feed: auth: %w", err)
	}
	for _, topic := range []common.Hash{chain.MetricsUpdatedTopic, chain.BatchMetricsUpdatedTopic} {
		frame := Frame{
			Type:      FrameSubscribe,
			EventType: "LOG",
			Address:   m.cfg.OracleAddress.Hex(),
			Topics:    []string{topic.Hex()},
		}
		if err := conn.Send(ctx, frame); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("feed: subscribe %s: %w", topic.Hex(), err)
		}
	}
	m.mu.Lock()
	m.conn = conn
	m.status.Connected = true
	m.status.ReconnectAttempts = 0
	m.mu.Unlock()
	m.metrics.SetConnected(true)
	m.logger.Info("feed connected", "oracle", m.cfg.OracleAddress.Hex(), "network", m.cfg.Network)
	return conn, nil
}

// recordReconnectAttempt counts a redial since the last successful connect.
func (m *Manager) recordReconnectAttempt() uint64 {
	m.metrics.RecordReconnect()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.ReconnectAttempts++
	return m.status.ReconnectAttempts
}

func (m *Manager) disconnect(conn Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.status.Connected = false
	m.mu.Unlock()
	m.metrics.SetConnected(false)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, queue chan<- chain.MetricsEvent) error {
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		switch frame.Type {
		case FrameEvent:
			m.handleEvent(frame.Payload, queue)
		case FrameError:
			m.logger.Warn("feed error frame", "message", frame.Message)
		case "":
			m.logger.Warn("feed frame dropped", "reason", frame.Message)
		default:
			m.logger.Debug("feed frame ignored", "type", frame.Type)
		}
	}
}

func (m *Manager) handleEvent(payload json.RawMessage, queue chan<- chain.MetricsEvent) {
	now := m.now().UTC()
	m.mu.Lock()
	m.status.EventsReceived++
	m.status.LastEventTime = &now
	m.mu.Unlock()

	var raw chain.RawLog
	if err := json.Unmarshal(payload, &raw); err != nil {
		m.logger.Warn("feed event undecodable", "error", err)
		m.metrics.RecordEventDropped("malformed")
		return
	}
	event, err := chain.DecodeLog(raw)
	if err != nil {
		m.logger.Warn("feed event dropped", "tx_hash", raw.TransactionHash, "error", err)
		if errors.Is(err, chain.ErrUnknownTopic) {
			m.metrics.RecordEventDropped("unknown_topic")
		} else {
			m.metrics.RecordEventDropped("malformed")
		}
		return
	}
	m.metrics.RecordEvent(string(event.Kind))

	var key string
	if m.journal != nil {
		key = LogKey(raw)
		seen, err := m.journal.Seen(key)
		if err != nil {
			m.logger.Warn("journal lookup failed", "error", err)
		} else if seen {
			m.logger.Info("feed event replayed, dropping", "tx_hash", event.TxHash, "log_index", event.LogIndex)
			m.metrics.RecordEventDropped("replay")
			return
		}
	}

	select {
	case queue <- event:
	default:
		m.logger.Warn("feed queue full, dropping event",
			"kind", string(event.Kind), "tx_hash", event.TxHash, "bucket", event.Bucket())
		m.metrics.RecordEventDropped("queue_full")
		return
	}
	if m.journal != nil {
		if err := m.journal.Record(key, now); err != nil {
			m.logger.Warn("journal record failed", "error", err)
		}
	}
}

func (m *Manager) worker(ctx context.Context, queue <-chan chain.MetricsEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-queue:
			m.dispatch(ctx, event)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, event chain.MetricsEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "kind", string(event.Kind), "tx_hash", event.TxHash, "panic", r)
		}
	}()
	if m.handler != nil {
		m.handler(ctx, event)
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	next := current * 2
	if next < base {
		next = base
	}
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// String renders the status for logs.
func (s Status) String() string {
	last := "never"
	if s.LastEventTime != nil {
		last = s.LastEventTime.Format(time.RFC3339)
	}
	return strings.Join([]string{
		fmt.Sprintf("connected=%t", s.Connected),
		"last_event=" + last,
		fmt.Sprintf("events=%d", s.EventsReceived),
		fmt.Sprintf("reconnect_attempts=%d", s.ReconnectAttempts),
	}, " ")
}
