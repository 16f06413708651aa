package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cutoff-lab/internal/domain"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// HTTPClient implements Engine over the engine's JSON REST API.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithAPIKey sets the key sent in the X-API-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new engine client for baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ Engine = (*HTTPClient)(nil)

// apiResponse is the envelope every endpoint returns.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

// apiError is an application-level error reported by the engine.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("engine error %s: %s", e.Code, e.Message)
}

// do performs a request with retries and exponential backoff.
// Transport errors, 429 and 5xx are retried; engine errors are not.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}, result interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %w", method, path, ErrLabNotFound)
		}

		var envelope apiResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
		}
		if !envelope.Success || envelope.Error != nil {
			if envelope.Error == nil {
				return fmt.Errorf("engine rejected %s %s (status %d)", method, path, resp.StatusCode)
			}
			return envelope.Error
		}

		if result != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, result); err != nil {
				return fmt.Errorf("unmarshal data: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type cloneRequest struct {
	TemplateID string `json:"template_id"`
	Market     string `json:"market"`
}

type cloneResult struct {
	LabID string `json:"lab_id"`
}

// Clone copies a template lab onto market.
func (c *HTTPClient) Clone(ctx context.Context, templateID string, market domain.Market) (string, error) {
	var result cloneResult
	err := c.do(ctx, http.MethodPost, "/labs/clone", cloneRequest{
		TemplateID: templateID,
		Market:     market.ID(),
	}, &result)
	if err != nil {
		return "", err
	}
	if result.LabID == "" {
		return "", fmt.Errorf("clone %s: engine returned empty lab id", templateID)
	}
	return result.LabID, nil
}

type configureRequest struct {
	Name        string `json:"name,omitempty"`
	StartUnix   int64  `json:"start_unix,omitempty"`
	EndUnix     int64  `json:"end_unix,omitempty"`
	TradeAmount string `json:"trade_amount,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
}

// Configure updates the lab settings. Zero-valued fields are left unchanged.
func (c *HTTPClient) Configure(ctx context.Context, labID string, cfg domain.LabConfig) error {
	req := configureRequest{
		Name:      cfg.Name,
		AccountID: cfg.AccountID,
	}
	if !cfg.Period.IsZero() {
		req.StartUnix = cfg.Period.Start.Unix()
		req.EndUnix = cfg.Period.End.Unix()
	}
	if !cfg.TradeAmount.IsZero() {
		req.TradeAmount = cfg.TradeAmount.String()
	}
	return c.do(ctx, http.MethodPut, "/labs/"+url.PathEscape(labID)+"/config", req, nil)
}

type startResult struct {
	Handle string `json:"handle"`
}

// Start queues a backtest for the configured period.
func (c *HTTPClient) Start(ctx context.Context, labID string) (string, error) {
	var result startResult
	if err := c.do(ctx, http.MethodPost, "/labs/"+url.PathEscape(labID)+"/start", nil, &result); err != nil {
		return "", err
	}
	return result.Handle, nil
}

// Cancel stops any execution of the lab.
func (c *HTTPClient) Cancel(ctx context.Context, labID string) error {
	return c.do(ctx, http.MethodPost, "/labs/"+url.PathEscape(labID)+"/cancel", nil, nil)
}

type statusResult struct {
	Status        string `json:"status"`
	Detail        string `json:"detail"`
	EvaluatedBars *int   `json:"evaluated_bars"`
}

// Status returns the current execution status of the lab.
func (c *HTTPClient) Status(ctx context.Context, labID string) (domain.StatusReport, error) {
	var result statusResult
	if err := c.do(ctx, http.MethodGet, "/labs/"+url.PathEscape(labID)+"/status", nil, &result); err != nil {
		return domain.StatusReport{}, err
	}

	status := domain.ExecutionStatus(strings.ToUpper(result.Status))
	if !status.IsValid() {
		return domain.StatusReport{}, fmt.Errorf("lab %s: unknown status %q", labID, result.Status)
	}

	report := domain.StatusReport{
		Status:        status,
		Detail:        result.Detail,
		EvaluatedBars: -1,
	}
	if result.EvaluatedBars != nil {
		report.EvaluatedBars = *result.EvaluatedBars
	}
	return report, nil
}

type priceResult struct {
	Price decimal.Decimal `json:"price"`
}

// CurrentPrice returns the last traded price of market.
func (c *HTTPClient) CurrentPrice(ctx context.Context, market domain.Market) (decimal.Decimal, error) {
	var result priceResult
	if err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(market.ID())+"/price", nil, &result); err != nil {
		return decimal.Zero, err
	}
	if !result.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("market %s: non-positive price %s", market.ID(), result.Price)
	}
	return result.Price, nil
}
