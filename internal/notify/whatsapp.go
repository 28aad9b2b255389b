// Package notify sends outbound WhatsApp messages and admin alerts. All
// customer-facing text is pre-templated and non-technical; internal error
// detail never leaves the process through this package.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/httpclient"

	"golang.org/x/time/rate"
)

// WhatsAppSender implements core.IMessageSender against the provider send
// API. An outbound limiter keeps the process under the provider quota even
// when several queue workers send concurrently.
type WhatsAppSender struct {
	client  *httpclient.Client
	limiter *rate.Limiter
	logger  core.ILogger
}

var _ core.IMessageSender = (*WhatsAppSender)(nil)

// bearerAuth signs outbound provider calls with the account access token.
type bearerAuth struct{ token string }

func (b bearerAuth) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+b.token)
	return nil
}

func NewWhatsAppSender(cfg config.WhatsAppConfig, logger core.ILogger) *WhatsAppSender {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 50
	}
	var signer httpclient.Signer
	if cfg.AccessToken != "" {
		signer = bearerAuth{token: cfg.AccessToken}
	}
	return &WhatsAppSender{
		client:  httpclient.NewClient(cfg.APIURL, time.Duration(cfg.SendTimeoutS)*time.Second, signer),
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		logger:  logger.WithField("component", "whatsapp_sender"),
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendTemplate sends a pre-approved template with its variables.
func (s *WhatsAppSender) SendTemplate(ctx context.Context, phone, template string, vars map[string]string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body := map[string]interface{}{
		"to":       phone,
		"type":     "template",
		"template": map[string]interface{}{"name": template, "variables": vars},
	}
	return s.send(ctx, phone, body)
}

// SendText sends a plain text message.
func (s *WhatsAppSender) SendText(ctx context.Context, phone, text string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body := map[string]interface{}{
		"to":   phone,
		"type": "text",
		"text": map[string]string{"body": text},
	}
	return s.send(ctx, phone, body)
}

func (s *WhatsAppSender) send(ctx context.Context, phone string, body interface{}) (string, error) {
	resp, err := s.client.Post(ctx, "/v1/messages", body)
	if err != nil {
		if apiErr, ok := err.(*httpclient.APIError); ok && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return "", apperrors.Permanent(err)
		}
		return "", apperrors.Transient(err)
	}

	var out sendResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", apperrors.Transient(fmt.Errorf("provider accepted message without an id"))
	}
	s.logger.Debug("whatsapp message sent", "phone", phone, "provider_msg_id", out.Messages[0].ID)
	return out.Messages[0].ID, nil
}
