package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/webhook"
	apperrors "wholesale_backend/pkg/errors"
)

// inboundPayload is the subset of the WhatsApp Cloud API webhook body we act
// on. Status callbacks and non-text messages pass through untouched.
type inboundPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Image struct {
		Link string `json:"link"`
	} `json:"image"`
}

// RegisterInbound binds the WhatsApp event handler. Every text message is an
// order attempt; the provider message id doubles as the idempotency key so a
// redelivered webhook never creates a second order.
func (s *Service) RegisterInbound(p *webhook.Processor) {
	p.Register("whatsapp", func(ctx context.Context, e *core.WebhookEvent) error {
		var payload inboundPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return apperrors.Permanent(fmt.Errorf("bad whatsapp payload: %w", err))
		}

		for _, entry := range payload.Entry {
			for _, change := range entry.Changes {
				for _, msg := range change.Value.Messages {
					if err := s.handleInbound(ctx, msg); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func (s *Service) handleInbound(ctx context.Context, msg inboundMessage) error {
	phone := msg.From
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}

	retailer, err := s.store.GetRetailerByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Warn("message from unknown number ignored", "phone", phone)
			return nil
		}
		return err
	}

	switch msg.Type {
	case "text":
		return s.placeInbound(ctx, retailer, msg.ID, msg.Text.Body)
	case "image":
		if msg.Image.Link == "" {
			return nil
		}
		_, err := s.UploadImage(ctx, retailer.ID, msg.Image.Link)
		return err
	default:
		return nil
	}
}

func (s *Service) placeInbound(ctx context.Context, r *core.Retailer, messageID, body string) error {
	res, err := s.Place(ctx, PlaceRequest{
		RetailerID:     r.ID,
		Source:         "whatsapp",
		RawInput:       body,
		IdempotencyKey: "wa-" + messageID,
		Actor:          "retailer",
	})
	if err != nil {
		// credit rejections already messaged the retailer; nothing to retry
		if _, ok := apperrors.AsCreditRejection(err); ok {
			return nil
		}
		if errors.Is(err, apperrors.ErrValidation) || apperrors.IsPermanent(err) {
			s.logger.Warn("inbound order dropped", "retailer_id", r.ID, "error", err)
			return nil
		}
		return err
	}

	if res.Parse.NeedsClarification && len(res.Parse.Clarifications) > 0 && s.sender != nil {
		_, err := s.sender.SendText(ctx, r.Phone,
			notify.ClarificationMessage(res.Parse.Clarifications[0].Question))
		return err
	}
	return nil
}
