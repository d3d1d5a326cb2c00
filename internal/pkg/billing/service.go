package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/entitlements"
	"github.com/finreport/finreport/internal/pkg/metrics"
)

var (
	ErrUnknownCustomer = errors.New("no user matches the billing customer")
	ErrUnknownProduct  = errors.New("product is not a credit pack")
)

// Service syncs provider subscription state and purchases into the local
// subscription table and the credit ledger.
type Service struct {
	repo   Repository
	ledger *credits.Ledger
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, ledger *credits.Ledger) *Service {
	return &Service{repo: repo, ledger: ledger}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), credits.NewLedger(db))
}

// SyncSubscription upserts the subscription and, while it is active, books
// the monthly recharge once per billing period.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, *models.CreditTransaction, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if in.UserID == 0 || provider == "" {
		return nil, nil, errors.New("user_id and provider are required")
	}

	sub, err := s.repo.GetSubscriptionByUser(in.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sub = &models.Subscription{UserID: in.UserID}
	} else if err != nil {
		return nil, nil, err
	}

	plan := normalizePlan(in.ProductName)
	active := isEntitlingStatus(in.Status)
	sub.Plan = string(plan)
	sub.IsActive = active
	sub.APIAccess = entitlements.AllowsAPIAccess(plan, active)
	sub.Provider = provider
	sub.ProviderSubscriptionID = strings.TrimSpace(in.ProviderSubscriptionID)
	sub.ProviderProductID = strings.TrimSpace(in.ProviderProductID)
	if c := strings.TrimSpace(in.ProviderCustomerID); c != "" {
		sub.ProviderCustomerID = c
	}
	sub.RenewsAt = in.CurrentPeriodEnd
	if active {
		sub.CancelledAt = nil
	}
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, nil, err
	}

	if !active {
		_, err := s.ledger.Recharge(ctx, in.UserID, 0, "")
		return sub, nil, err
	}

	monthly := entitlements.MonthlyCredits(plan)
	ref := rechargeRef(provider, sub.ProviderSubscriptionID, in.CurrentPeriodEnd)
	entry, err := s.ledger.Recharge(ctx, in.UserID, monthly,
		fmt.Sprintf("Monthly %s plan credits", plan), credits.WithExternalRef(ref))
	if errors.Is(err, credits.ErrAlreadyBooked) {
		log.Infof("[Billing] Recharge %s for user %d already booked", ref, in.UserID)
		return sub, nil, nil
	}
	if err != nil {
		return sub, nil, err
	}
	return sub, entry, nil
}

// CancelSubscription deactivates the subscription of a provider customer.
// Credits already granted stay on the account.
func (s *Service) CancelSubscription(ctx context.Context, provider, customerID string) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByCustomerID(strings.ToLower(provider), strings.TrimSpace(customerID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownCustomer
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub.IsActive = false
	sub.APIAccess = false
	sub.CancelledAt = &now
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Recharge(ctx, sub.UserID, 0, ""); err != nil {
		return sub, err
	}
	log.Infof("[Billing] Subscription of user %d cancelled", sub.UserID)
	return sub, nil
}

// ToggleSubscription flips the active flag from the admin panel. API access
// follows the plan.
func (s *Service) ToggleSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		return nil, err
	}
	sub.IsActive = !sub.IsActive
	sub.APIAccess = entitlements.AllowsAPIAccess(entitlements.ParsePlan(sub.Plan), sub.IsActive)
	if sub.IsActive {
		sub.CancelledAt = nil
	} else {
		now := time.Now()
		sub.CancelledAt = &now
	}
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ApplyPackPurchase credits a purchased pack once per order.
func (s *Service) ApplyPackPurchase(ctx context.Context, userID uint, product, orderID string) (*models.CreditTransaction, error) {
	pack, ok := entitlements.PackByProduct(product)
	if !ok {
		return nil, ErrUnknownProduct
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("order id is required")
	}

	entry, err := s.ledger.Credit(ctx, userID, pack.Credits,
		fmt.Sprintf("Credit pack purchase: %d credits", pack.Credits),
		models.TransactionPackPurchase, credits.WithExternalRef("order:"+orderID))
	if errors.Is(err, credits.ErrAlreadyBooked) {
		log.Infof("[Billing] Order %s already credited", orderID)
		return nil, nil
	}
	return entry, err
}

// HandlePolarEvent applies one Polar webhook. Unhandled event types are ignored.
func (s *Service) HandlePolarEvent(ctx context.Context, payload []byte) (string, error) {
	var event PolarEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", fmt.Errorf("decode webhook: %w", err)
	}

	var err error
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		err = s.handlePolarSubscription(ctx, event.Data)
	case EventSubscriptionCanceled:
		var data PolarSubscription
		if err = json.Unmarshal(event.Data, &data); err == nil {
			_, err = s.CancelSubscription(ctx, models.BillingProviderPolar, customerRef(data.UserID, data.CustomerID, data.Customer.ID))
		}
	case EventOrderCreated:
		err = s.handlePolarOrder(ctx, event.Data)
	default:
		log.Infof("[Billing] Unhandled webhook type: %s", event.Type)
		metrics.WebhookEvents.WithLabelValues("unhandled", "ignored").Inc()
		return event.Type, nil
	}

	metrics.WebhookEvents.WithLabelValues(event.Type, metrics.Result(err)).Inc()
	return event.Type, err
}

func (s *Service) handlePolarSubscription(ctx context.Context, raw json.RawMessage) error {
	var data PolarSubscription
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	customer := customerRef(data.UserID, data.CustomerID, data.Customer.ID)
	userID, err := s.resolveUser(customer, data.Customer.Email)
	if err != nil {
		return err
	}

	_, _, err = s.SyncSubscription(ctx, NormalizedSubscription{
		UserID:                 userID,
		Provider:               models.BillingProviderPolar,
		ProviderSubscriptionID: data.ID,
		ProviderCustomerID:     customer,
		ProviderProductID:      data.Product.ID,
		ProductName:            data.Product.Name,
		Status:                 data.Status,
		CurrentPeriodEnd:       data.CurrentPeriodEnd,
	})
	return err
}

func (s *Service) handlePolarOrder(ctx context.Context, raw json.RawMessage) error {
	var data PolarOrder
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	if _, ok := entitlements.PackByProduct(data.Product.Name); !ok {
		// subscription renewals also create orders
		return nil
	}
	userID, err := s.resolveUser(customerRef(data.UserID, data.CustomerID, data.Customer.ID), data.Customer.Email)
	if err != nil {
		return err
	}
	_, err = s.ApplyPackPurchase(ctx, userID, data.Product.Name, data.ID)
	return err
}

// resolveUser finds the local user by provider customer id, then by email.
func (s *Service) resolveUser(customerID, email string) (uint, error) {
	sub, err := s.repo.GetSubscriptionByCustomerID(models.BillingProviderPolar, customerID)
	if err == nil {
		return sub.UserID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	u, err := s.repo.FindUserByEmail(strings.TrimSpace(email))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUnknownCustomer
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

func rechargeRef(provider, subscriptionID string, periodEnd *time.Time) string {
	period := "none"
	if periodEnd != nil {
		period = periodEnd.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%s:sub:%s:%s", provider, subscriptionID, period)
}
