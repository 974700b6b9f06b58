// Package gateway is the HTTP client for the bank's settlement gateway.
//
// One call: POST /v1/settlements with a settlement instruction. The settle
// id rides the Idempotency-Key header, so the gateway collapses redelivered
// instructions server-side and the engine is free to retry. The client
// retries transport errors and retryable statuses (5xx, 408, 429) a couple
// of times inline; the durable backoff schedule between attempts belongs to
// the outbox dispatcher, which owns the instruction until it is acked or
// dead-lettered.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"tradeflow/internal/config"
	"tradeflow/pkg/types"
)

// Client talks to the settlement gateway.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
	dryRun bool
}

// NewClient builds the gateway client from config. In dry-run mode Submit
// logs the instruction and reports success without touching the network.
func NewClient(cfg config.GatewayConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(cfg.RetryInitial).
		SetRetryMaxWaitTime(cfg.RequestTimeout).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || retryableStatus(r.StatusCode())
		})

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "gateway"),
		dryRun: dryRun,
	}
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.Code, e.Body)
}

// Terminal reports whether err is a gateway rejection that retrying cannot
// fix: any 4xx except request timeout (408) and throttling (429).
func Terminal(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && !retryableStatus(se.Code)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// Submit posts one settlement instruction. A 2xx is success; the gateway
// normally answers 202 Accepted. Anything else comes back as a StatusError
// for the dispatcher to classify.
func (c *Client) Submit(ctx context.Context, ins types.SettlementInstruction) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit settlement",
			"settle_id", ins.SettleID,
			"isin", ins.ISIN,
			"qty", ins.Qty,
			"cash", ins.CashAmount,
			"currency", ins.Currency,
			"settle_date", ins.SettleDate,
		)
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", ins.SettleID).
		SetBody(ins).
		Post("/v1/settlements")
	if err != nil {
		return fmt.Errorf("post settlement %s: %w", ins.SettleID, err)
	}

	if resp.IsSuccess() {
		if resp.StatusCode() != http.StatusAccepted {
			c.logger.Debug("gateway answered non-202 success",
				"settle_id", ins.SettleID, "status", resp.StatusCode())
		}
		return nil
	}
	return &StatusError{Code: resp.StatusCode(), Body: resp.String()}
}
