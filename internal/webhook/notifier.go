// Package webhook notifies the exchange oracle that an escrow is ready for
// work distribution.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

// EscrowCreated is the payload sent to the exchange oracle.
type EscrowCreated struct {
	EscrowAddress string `json:"escrow_address"`
	ChainID       int    `json:"chain_id"`
}

// Notifier delivers escrow events to an oracle endpoint.
type Notifier interface {
	NotifyEscrowCreated(ctx context.Context, event EscrowCreated) error
}

// HTTPNotifier posts events to the configured webhook URL. Deliveries are
// rate limited so a sweep over many stuck jobs cannot flood the oracle.
type HTTPNotifier struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

var _ Notifier = (*HTTPNotifier)(nil)

// NewHTTPNotifier creates a notifier for the given webhook URL.
func NewHTTPNotifier(url string, log *logger.Logger) *HTTPNotifier {
	if log == nil {
		log = logger.NewDefault("webhook")
	}
	return &HTTPNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		log:        log,
	}
}

// NotifyEscrowCreated posts the event and requires a truthy acknowledgment
// body. The status code is not consulted; only the body decides. Anything
// else reports errs.ErrWebhookNotSent.
func (n *HTTPNotifier) NotifyEscrowCreated(ctx context.Context, event EscrowCreated) error {
	if n.url == "" {
		return fmt.Errorf("%w: no webhook url configured", errs.ErrWebhookNotSent)
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrWebhookNotSent, err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrWebhookNotSent, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read ack: %v", errs.ErrWebhookNotSent, err)
	}

	if !acknowledged(respBody) {
		n.log.WithField("status", resp.StatusCode).
			WithField("escrow_address", event.EscrowAddress).
			Warn("oracle did not acknowledge webhook")
		return fmt.Errorf("%w: no acknowledgment in response", errs.ErrWebhookNotSent)
	}

	n.log.WithField("escrow_address", event.EscrowAddress).
		WithField("chain_id", event.ChainID).
		Info("oracle notified")
	return nil
}

// acknowledged accepts any non-empty truthy body: `true`, a non-zero
// number, a non-empty string, or a JSON document.
func acknowledged(body []byte) bool {
	v := gjson.ParseBytes(bytes.TrimSpace(body))
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False, gjson.Null:
		return false
	case gjson.Number:
		return v.Float() != 0
	case gjson.String:
		return v.String() != ""
	case gjson.JSON:
		return true
	default:
		return false
	}
}
