// Package ledger talks to the external account service that holds,
// releases and refunds escrowed funds.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pairly/internal/config"
	"pairly/internal/domain"
	"pairly/internal/metrics"
	"pairly/internal/models"

	"github.com/rs/zerolog"
)

const apiKeyHeader = "X-Api-Key"

type instructionRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type instructionResponse struct {
	Ack   string `json:"ack"`
	Error string `json:"error,omitempty"`
}

// StatusError is a non-2xx answer from the ledger.
type StatusError struct {
	Kind    models.InstructionKind
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger %s: status %d: %s", e.Kind, e.Status, e.Message)
}

// HTTPClient posts instructions to {base}/v1/{hold|release|refund}. The
// reference is sent as the idempotency key so a retried instruction never
// moves money twice.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zerolog.Logger
}

func NewHTTPClient(cfg config.LedgerConfig, logger *zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

var _ domain.Ledger = (*HTTPClient)(nil)

func (c *HTTPClient) Hold(ctx context.Context, amount int64, currency, reference string) (string, error) {
	return c.do(ctx, models.InstructionHold, amount, currency, reference)
}

func (c *HTTPClient) Release(ctx context.Context, amount int64, currency, reference string) (string, error) {
	return c.do(ctx, models.InstructionRelease, amount, currency, reference)
}

func (c *HTTPClient) Refund(ctx context.Context, amount int64, currency, reference string) (string, error) {
	return c.do(ctx, models.InstructionRefund, amount, currency, reference)
}

func (c *HTTPClient) do(ctx context.Context, kind models.InstructionKind, amount int64, currency, reference string) (string, error) {
	started := time.Now()
	defer func() { metrics.ObserveLedgerCall(string(kind), time.Since(started)) }()

	body, err := json.Marshal(instructionRequest{Amount: amount, Currency: currency, Reference: reference})
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+string(kind), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger %s: %w", kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", kind, err)
	}

	var out instructionResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("decode %s response: %w", kind, err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &StatusError{Kind: kind, Status: resp.StatusCode, Message: msg}
	}
	if out.Ack == "" {
		return "", fmt.Errorf("ledger %s: empty ack for %s", kind, reference)
	}

	c.logger.Debug().Str("kind", string(kind)).Str("txn_code", reference).Str("ack", out.Ack).
		Dur("elapsed", time.Since(started)).Msg("ledger call ok")
	return out.Ack, nil
}
