package controllers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/billing"
	"github.com/finreport/finreport/internal/pkg/metrics"
)

// WebhookController receives payment provider webhooks.
type WebhookController struct {
	billing *billing.Service
	secret  string
	now     func() time.Time
}

func NewWebhookController(d Deps) *WebhookController {
	return &WebhookController{
		billing: d.Billing,
		secret:  d.WebhookSecret,
		now:     time.Now,
	}
}

// HandleBillingWebhook verifies, journals and applies a Polar webhook.
// Redelivered events that were already applied are acknowledged without
// touching the ledger again.
func (wc *WebhookController) HandleBillingWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	webhookID := c.Get(billing.HeaderWebhookID)

	if err := billing.VerifyWebhookSignature(payload, webhookID,
		c.Get(billing.HeaderWebhookTimestamp), c.Get(billing.HeaderWebhookSignature),
		wc.secret, wc.now()); err != nil {
		log.Warnf("[Webhook] Rejected billing webhook %q from %s: %v", webhookID, GetClientIP(c), err)
		metrics.WebhookEvents.WithLabelValues("unverified", "rejected").Inc()
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature", "message": err.Error()})
	}

	var envelope billing.PolarEvent
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		return badRequest(c, "Invalid webhook payload")
	}

	ctx := c.UserContext()
	created, event, err := wc.billing.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderPolar,
		ProviderEventID: webhookID,
		EventType:       envelope.Type,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		return respondError(c, err)
	}
	if !created && event.ProcessedAt != nil && event.ProcessingError == "" {
		log.Infof("[Webhook] Event %s already processed", event.ProviderEventID)
		return c.JSON(fiber.Map{"status": "duplicate"})
	}

	_, procErr := wc.billing.HandlePolarEvent(ctx, payload)
	if err := wc.billing.MarkWebhookProcessed(ctx, event.ID, procErr); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s processed: %v", event.ProviderEventID, err)
	}

	switch {
	case procErr == nil:
		return c.JSON(fiber.Map{"status": "processed"})
	case errors.Is(procErr, billing.ErrUnknownCustomer), errors.Is(procErr, billing.ErrUnknownProduct):
		// retrying would not help; the journal keeps the error for follow-up
		log.Warnf("[Webhook] Event %s (%s) ignored: %v", event.ProviderEventID, envelope.Type, procErr)
		return c.JSON(fiber.Map{"status": "ignored", "message": procErr.Error()})
	default:
		log.Errorf("[Webhook] Event %s (%s) failed: %v", event.ProviderEventID, envelope.Type, procErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed", "message": "Webhook processing failed"})
	}
}
