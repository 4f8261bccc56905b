package billing

import (
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusOpen   InvoiceStatus = "open"
	InvoiceStatusPaid   InvoiceStatus = "paid"
	InvoiceStatusFailed InvoiceStatus = "failed"
)

// PaymentStatus represents the status of a payment attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PricingMode selects how the period roller prices an elapsed period.
type PricingMode string

const (
	// PricingUsage charges the plan price plus metered overage, the same
	// computation as on-demand generation.
	PricingUsage PricingMode = "usage"
	// PricingFlat charges the plan price only.
	PricingFlat PricingMode = "flat"
)

// User is a billable customer
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a catalog entry. Plans are never mutated once created.
type Plan struct {
	Code        string `json:"code" yaml:"code"`
	Name        string `json:"name" yaml:"name"`
	AmountCents int64  `json:"amount_cents" yaml:"amount_cents"`
	Interval    string `json:"interval" yaml:"interval"`
	TrialDays   int    `json:"trial_days" yaml:"trial_days"`
}

// Subscription binds a user to a plan for the current billing period
// [CurrentPeriodStart, CurrentPeriodEnd).
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	PlanCode           string             `json:"plan_code"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CreatedAt          time.Time          `json:"created_at"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
}

// UsageEvent is one metered usage record
type UsageEvent struct {
	UserID   string    `json:"user_id"`
	Metric   string    `json:"metric"`
	Quantity int64     `json:"quantity"`
	At       time.Time `json:"at"`
}

// Invoice is the bill for one subscription period
type Invoice struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	UserID         string        `json:"user_id"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	BaseCents      int64         `json:"base_cents"`
	UsageCents     int64         `json:"usage_cents"`
	UsageQuantity  int64         `json:"usage_quantity"`
	AmountCents    int64         `json:"amount_cents"`
	Status         InvoiceStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
}

// Payment is one attempt to settle an invoice through a provider
type Payment struct {
	ID                string        `json:"id"`
	InvoiceID         string        `json:"invoice_id"`
	Provider          string        `json:"provider"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	AmountCents       int64         `json:"amount_cents"`
	Status            PaymentStatus `json:"status"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// InvoiceResult is returned by on-demand invoice generation.
// Existing is true when the period had already been invoiced.
type InvoiceResult struct {
	Invoice       *Invoice `json:"invoice"`
	UsageQuantity int64    `json:"usage_quantity"`
	Existing      bool     `json:"existing"`
}

// CreateUserRequest represents a request to create a user
type CreateUserRequest struct {
	Email string `json:"email"`
}

// CreateSubscriptionRequest represents a request to create a subscription
type CreateSubscriptionRequest struct {
	UserID   string `json:"user_id"`
	PlanCode string `json:"plan_code"`
}

// RecordUsageRequest represents a usage ingestion request. At defaults to now.
type RecordUsageRequest struct {
	UserID   string     `json:"user_id"`
	Metric   string     `json:"metric"`
	Quantity int64      `json:"quantity"`
	At       *time.Time `json:"at,omitempty"`
}
