package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Metal holder API endpoint.
const DefaultBaseURL = "https://api.metal.build"

// ErrTransferRejected is returned when the custodian answers but refuses the transfer.
var ErrTransferRejected = errors.New("custody: transfer rejected")

// TransferRequest moves Amount of Token from the Source holder to the Destination holder.
type TransferRequest struct {
	Source      string
	Destination string
	Token       string
	Amount      decimal.Decimal
}

// TransferResult carries the on-chain hash reported by the custodian.
type TransferResult struct {
	TransactionHash string
}

// Transferrer is the custodial transfer primitive. Calls are side-effecting and not
// idempotent; callers must make at most one call per intended payment.
type Transferrer interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// FuncTransferrer adapts a function to the Transferrer interface.
type FuncTransferrer func(ctx context.Context, req TransferRequest) (TransferResult, error)

// Transfer implements Transferrer.
func (f FuncTransferrer) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if f == nil {
		return TransferResult{}, fmt.Errorf("custody: transfer function not configured")
	}
	return f(ctx, req)
}

// MetalConfig configures MetalClient.
type MetalConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// MetalClient calls the Metal holder transfer endpoint.
type MetalClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewMetalClient constructs a client with a bounded timeout and an optional request rate limit.
func NewMetalClient(cfg MetalConfig) (*MetalClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("custody: metal api key required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &MetalClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return client, nil
}

type transferBody struct {
	TokenAddress string      `json:"tokenAddress"`
	Amount       json.Number `json:"amount"`
	ToAddress    string      `json:"toAddress"`
}

type transferResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    struct {
		TransactionHash string `json:"transactionHash"`
	} `json:"data"`
}

// Transfer implements Transferrer against POST /holder/{source}/transfer.
func (c *MetalClient) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if c == nil {
		return TransferResult{}, fmt.Errorf("custody: metal client not configured")
	}
	if req.Source == "" || req.Destination == "" || req.Token == "" {
		return TransferResult{}, fmt.Errorf("%w: source, destination and token are required", ErrTransferRejected)
	}
	if !req.Amount.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: non-positive amount %s", ErrTransferRejected, req.Amount)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return TransferResult{}, fmt.Errorf("custody: rate limit: %w", err)
		}
	}
	payload, err := json.Marshal(transferBody{
		TokenAddress: req.Token,
		Amount:       json.Number(req.Amount.String()),
		ToAddress:    req.Destination,
	})
	if err != nil {
		return TransferResult{}, err
	}
	endpoint := fmt.Sprintf("%s/holder/%s/transfer", c.baseURL, url.PathEscape(req.Source))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return TransferResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TransferResult{}, fmt.Errorf("custody: metal transfer: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TransferResult{}, fmt.Errorf("custody: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return TransferResult{}, fmt.Errorf("%w: status=%d body=%s", ErrTransferRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded transferResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return TransferResult{}, fmt.Errorf("custody: decode response: %w", err)
	}
	if !decoded.Success {
		reason := decoded.Error
		if reason == "" {
			reason = decoded.Message
		}
		return TransferResult{}, fmt.Errorf("%w: %s", ErrTransferRejected, reason)
	}
	return TransferResult{TransactionHash: decoded.Data.TransactionHash}, nil
}
