package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fulfillment-service/config"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Gateway delivers one rendered email. A nil error means the relay accepted the message.
type Gateway interface {
	Send(ctx context.Context, recipient, subject, htmlBody string) error
}

// NewGateway returns an HTTP relay gateway when a relay URL is configured, otherwise a
// gateway that only logs
func NewGateway(cfg config.MailConfig) Gateway {
	if cfg.RelayURL == "" {
		return NewLogGateway()
	}
	return NewHTTPGateway(cfg)
}

// HTTPGateway posts messages to a mail relay
type HTTPGateway struct {
	client *http.Client
	cfg    config.MailConfig
	logger *zap.Logger
}

// NewHTTPGateway creates a new relay gateway
func NewHTTPGateway(cfg config.MailConfig) *HTTPGateway {
	return &HTTPGateway{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

type relayMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send implements Gateway
func (g *HTTPGateway) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	ctx, span := util.StartSpan(ctx, "HTTPGateway.Send")
	defer span.End()

	body, err := json.Marshal(relayMessage{
		From:    g.cfg.FromAddress,
		To:      recipient,
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.RelayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.RelayToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.RelayToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail relay rejected message: status %d", resp.StatusCode)
	}

	g.logger.Debug("Mail accepted by relay", zap.String("recipient", recipient), zap.String("subject", subject))
	return nil
}

// LogGateway writes messages to the log instead of sending them
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway creates a log-only gateway for development
func NewLogGateway() *LogGateway {
	return &LogGateway{logger: util.GetLogger()}
}

// Send implements Gateway
func (g *LogGateway) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	g.logger.Info("Mail (not sent, no relay configured)",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(htmlBody)),
	)
	return nil
}
