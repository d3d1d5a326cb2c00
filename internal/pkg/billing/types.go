package billing

import (
	"encoding/json"
	"time"
)

const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventOrderCreated         = "order.created"
)

// NormalizedSubscription is the provider-agnostic shape used by the billing
// service when syncing external subscription state into local tables.
type NormalizedSubscription struct {
	UserID                 uint
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderProductID      string
	ProductName            string
	Status                 string
	CurrentPeriodEnd       *time.Time
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// PolarEvent is the envelope of every Polar webhook.
type PolarEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarProduct struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type polarCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PolarSubscription is the data of subscription.* events.
type PolarSubscription struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	CustomerID       string        `json:"customer_id"`
	Status           string        `json:"status"`
	CurrentPeriodEnd *time.Time    `json:"current_period_end"`
	Product          polarProduct  `json:"product"`
	Customer         polarCustomer `json:"customer"`
}

// PolarOrder is the data of order.created events.
type PolarOrder struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	CustomerID string        `json:"customer_id"`
	Amount     int64         `json:"amount"`
	Product    polarProduct  `json:"product"`
	Customer   polarCustomer `json:"customer"`
}

// customerRef prefers the legacy user_id and falls back to customer ids.
func customerRef(userID, customerID, nestedID string) string {
	for _, v := range []string{userID, customerID, nestedID} {
		if v != "" {
			return v
		}
	}
	return ""
}
