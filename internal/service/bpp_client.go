package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"energy-bap/internal/models"
	"energy-bap/internal/util"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// BppClient dispatches outbound protocol actions to provider platforms.
// search goes through the network gateway; later legs go straight to the
// BPP that answered. Dispatches are paced by a leaky-bucket limiter so a
// burst of buyer activity cannot flood the network.
type BppClient struct {
	httpClient *http.Client
	limiter    ratelimit.Limiter
	gatewayURL string
	bapID      string
	bapURI     string
	domain     string
	logger     *zap.Logger
}

// NewBppClient creates a new BPP transport client
func NewBppClient(gatewayURL, bapID, bapURI, domain string, ratePerSec int) *BppClient {
	if ratePerSec <= 0 {
		ratePerSec = 50
	}
	return &BppClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    ratelimit.New(ratePerSec),
		gatewayURL: gatewayURL,
		bapID:      bapID,
		bapURI:     bapURI,
		domain:     domain,
		logger:     util.GetLogger(),
	}
}

// outboundEnvelope is the wire shape of an outbound protocol message
type outboundEnvelope struct {
	Context models.BecknContext `json:"context"`
	Message json.RawMessage     `json:"message"`
}

// Dispatch sends one outbound action for a transaction. bppURI is empty
// for search, which fans out through the gateway.
func (bc *BppClient) Dispatch(ctx context.Context, t *models.Transaction, action, messageID, bppURI string, message json.RawMessage) error {
	ctx, span := util.StartSpan(ctx, "BppClient.Dispatch")
	defer span.End()

	bc.limiter.Take()

	start := time.Now()
	defer func() {
		util.BppDispatchLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}()

	envelope := outboundEnvelope{
		Context: models.BecknContext{
			Domain:        bc.domain,
			Action:        action,
			TransactionID: t.ID,
			MessageID:     messageID,
			BapID:         bc.bapID,
			BapURI:        bc.bapURI,
			TTL:           models.FormatTTL(time.Duration(t.TTLSeconds) * time.Second),
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		},
		Message: message,
	}
	if t.BppID != nil {
		envelope.Context.BppID = *t.BppID
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	base := bppURI
	if base == "" {
		base = bc.gatewayURL
	}
	url := fmt.Sprintf("%s/%s", base, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s failed: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch %s rejected: status %d", action, resp.StatusCode)
	}

	bc.logger.Info("Action dispatched",
		zap.String("transaction_id", t.ID),
		zap.String("action", action),
		zap.String("message_id", messageID),
		zap.String("url", url))
	return nil
}
