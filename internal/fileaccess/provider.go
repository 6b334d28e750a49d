// Package fileaccess issues and redeems signed, time- and attempt-limited download tokens.
// Token state lives in Redis; the signature lets a redeemer identify the delivery of an
// expired token without trusting the URL.
package fileaccess

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidToken is returned for malformed or forged tokens
var ErrInvalidToken = errors.New("invalid download token")

// ExpiredLinkError is returned when a well-formed token can no longer be redeemed
type ExpiredLinkError struct {
	DeliveryID int64
	Token      string
	Cause      error
}

func (e *ExpiredLinkError) Error() string {
	return fmt.Sprintf("download link for delivery %d expired: %v", e.DeliveryID, e.Cause)
}

func (e *ExpiredLinkError) Unwrap() error {
	return e.Cause
}

// TokenStore persists tokens. Implemented by redisclient.Client.
type TokenStore interface {
	IssueToken(ctx context.Context, deliveryID int64, token string, payload []byte, maxAttempts int, ttl time.Duration) (bool, error)
	ConsumeToken(ctx context.Context, token string) ([]byte, error)
	InvalidateTokens(ctx context.Context, deliveryID int64) (int, error)
}

// Grant is what a redeemed token entitles the holder to
type Grant struct {
	DeliveryID int64     `json:"delivery_id"`
	OrderID    int64     `json:"order_id"`
	FileID     string    `json:"file_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	StorageURL string    `json:"-"`
}

// Provider issues, redeems and revokes download tokens kept in a TokenStore
type Provider struct {
	tokens TokenStore
	cfg    config.FilesConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewProvider creates a new file access provider
func NewProvider(tokens TokenStore, cfg config.FilesConfig) *Provider {
	return &Provider{
		tokens: tokens,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// GenerateDownloadLink mints a fresh token for one file of a delivery
func (p *Provider) GenerateDownloadLink(ctx context.Context, deliveryID int64, file models.ProductFile, orderID int64) (models.DownloadFile, error) {
	ctx, span := util.StartDeliverySpan(ctx, "Provider.GenerateDownloadLink", deliveryID)
	defer span.End()

	expiresAt := p.now().UTC().Add(p.cfg.LinkTTL)
	token := p.sign(deliveryID, uuid.New().String())

	payload, err := json.Marshal(Grant{
		DeliveryID: deliveryID,
		OrderID:    orderID,
		FileID:     file.FileID,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return models.DownloadFile{}, fmt.Errorf("failed to marshal token payload: %w", err)
	}

	ok, err := p.tokens.IssueToken(ctx, deliveryID, token, payload, p.cfg.MaxAttempts, p.cfg.LinkTTL)
	if err != nil {
		return models.DownloadFile{}, fmt.Errorf("failed to issue download token: %w", err)
	}
	if !ok {
		return models.DownloadFile{}, fmt.Errorf("download token collision for delivery %d", deliveryID)
	}

	return models.DownloadFile{
		FileID:    file.FileID,
		URL:       strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/" + token,
		Size:      file.SizeBytes,
		Type:      file.MimeType,
		ExpiresAt: expiresAt,
	}, nil
}

// Invalidate revokes every outstanding token of a delivery
func (p *Provider) Invalidate(ctx context.Context, deliveryID int64) error {
	n, err := p.tokens.InvalidateTokens(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to invalidate download tokens: %w", err)
	}
	p.logger.Info("Download tokens invalidated", zap.Int64("delivery_id", deliveryID), zap.Int("count", n))
	return nil
}

// Redeem spends one attempt of token. An *ExpiredLinkError carries the delivery id when the
// token was genuine but is expired, used up or revoked. Revoked and expired tokens look the
// same here; callers decide whether the token was still the current one.
func (p *Provider) Redeem(ctx context.Context, token string) (*Grant, error) {
	deliveryID, err := p.verify(token)
	if err != nil {
		return nil, err
	}

	payload, err := p.tokens.ConsumeToken(ctx, token)
	if errors.Is(err, redisclient.ErrTokenNotFound) || errors.Is(err, redisclient.ErrTokenExhausted) {
		return nil, &ExpiredLinkError{DeliveryID: deliveryID, Token: token, Cause: err}
	}
	if err != nil {
		return nil, err
	}

	var grant Grant
	if err := json.Unmarshal(payload, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode token payload: %w", err)
	}
	if grant.DeliveryID != deliveryID {
		return nil, ErrInvalidToken
	}
	if !p.now().Before(grant.ExpiresAt) {
		return nil, &ExpiredLinkError{DeliveryID: deliveryID, Token: token, Cause: redisclient.ErrTokenNotFound}
	}

	grant.StorageURL = strings.TrimRight(p.cfg.StorageBaseURL, "/") + "/" + grant.FileID
	return &grant, nil
}

// sign builds "<delivery>.<nonce>.<mac>"
func (p *Provider) sign(deliveryID int64, nonce string) string {
	body := strconv.FormatInt(deliveryID, 10) + "." + nonce
	return body + "." + p.mac(body)
}

func (p *Provider) verify(token string) (int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, ErrInvalidToken
	}
	body := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(p.mac(body))) {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}

func (p *Provider) mac(body string) string {
	h := hmac.New(sha256.New, []byte(p.cfg.SigningSecret))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
