// Package storefront defines the contract between the entitlement engine
// and the platform purchase service: product descriptors, transactions,
// renewal metadata, and the verification gate every payload passes through
// before it is trusted.
package storefront

import (
	"fmt"
	"time"
)

// ProductType classifies a purchasable product.
type ProductType string

const (
	ProductTypeAutoRenewable ProductType = "auto_renewable"
	ProductTypeNonRenewing   ProductType = "non_renewing"
	ProductTypeConsumable    ProductType = "consumable"
	ProductTypeNonConsumable ProductType = "non_consumable"
)

// PeriodUnit is the calendar unit of a subscription period.
type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodWeek  PeriodUnit = "week"
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
)

// SubscriptionPeriod is the billing interval of a subscription.
type SubscriptionPeriod struct {
	Unit  PeriodUnit `json:"unit"`
	Value int        `json:"value"`
}

// String renders the period for logs and messages, e.g. "1 month".
func (p SubscriptionPeriod) String() string {
	return fmt.Sprintf("%d %s", p.Value, p.Unit)
}

// IntroOffer describes an introductory price attached to a subscription.
type IntroOffer struct {
	PriceCents  int64              `json:"priceCents"`
	Period      SubscriptionPeriod `json:"period"`
	PaymentMode string             `json:"paymentMode,omitempty"`
}

// SubscriptionInfo carries the subscription metadata of an auto-renewable
// product. Products without it are not subscriptions.
type SubscriptionInfo struct {
	GroupID    string             `json:"groupId"`
	Period     SubscriptionPeriod `json:"period"`
	IntroOffer *IntroOffer        `json:"introOffer,omitempty"`
}

// Product is an immutable descriptor from the platform catalog. The
// entitlement store holds snapshots and never mutates them.
type Product struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"displayName"`
	Description  string            `json:"description,omitempty"`
	PriceCents   int64             `json:"priceCents"`
	Currency     string            `json:"currency"`
	Type         ProductType       `json:"type"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}

// DisplayPrice formats the price for logs and user-facing messages.
func (p Product) DisplayPrice() string {
	return fmt.Sprintf("%s %.2f", p.Currency, float64(p.PriceCents)/100)
}

// IsSubscription reports whether the product carries subscription metadata.
func (p Product) IsSubscription() bool {
	return p.Subscription != nil
}

// Transaction is a single purchase record produced by the platform, either
// from a purchase call or from the background transaction-update feed.
// Every observed transaction must be acknowledged exactly once via
// Client.Finish after its entitlement effects are applied.
type Transaction struct {
	ID           string      `json:"id"`
	OriginalID   string      `json:"originalId,omitempty"`
	ProductID    string      `json:"productId"`
	ProductType  ProductType `json:"productType"`
	PurchaseDate time.Time   `json:"purchaseDate"`
	ExpiresAt    *time.Time  `json:"expiresAt,omitempty"`
	RevokedAt    *time.Time  `json:"revokedAt,omitempty"`
	Upgraded     bool        `json:"upgraded,omitempty"`
	Quantity     int         `json:"quantity,omitempty"`
}

// Revoked reports whether the platform has revoked this transaction.
func (t Transaction) Revoked() bool {
	return t.RevokedAt != nil
}

// RenewalState describes where a subscription sits in its billing lifecycle.
type RenewalState string

const (
	StateUnknown        RenewalState = ""
	StateSubscribed     RenewalState = "subscribed"
	StateExpired        RenewalState = "expired"
	StateRevoked        RenewalState = "revoked"
	StateInGracePeriod  RenewalState = "in_grace_period"
	StateInBillingRetry RenewalState = "in_billing_retry"
)

// ExpirationReason explains why a subscription expired.
type ExpirationReason string

const (
	ExpireAutoRenewDisabled     ExpirationReason = "auto_renew_disabled"
	ExpireBillingError          ExpirationReason = "billing_error"
	ExpirePriceIncreaseDeclined ExpirationReason = "price_increase_declined"
	ExpireProductUnavailable    ExpirationReason = "product_unavailable"
	ExpireUnknown               ExpirationReason = "unknown"
)

// RenewalInfo is the platform's renewal metadata for one subscription.
// ProductID is the product the subscription currently renews as;
// AutoRenewProductID is the product it will renew to next period, which
// differs from ProductID after a pending downgrade or crossgrade.
type RenewalInfo struct {
	ProductID            string           `json:"productId"`
	AutoRenewOn          bool             `json:"autoRenewOn"`
	AutoRenewProductID   string           `json:"autoRenewProductId,omitempty"`
	ExpirationReason     ExpirationReason `json:"expirationReason,omitempty"`
	GracePeriodExpiresAt *time.Time       `json:"gracePeriodExpiresAt,omitempty"`
	RenewalDate          *time.Time       `json:"renewalDate,omitempty"`
}

// SubscriptionStatus pairs a renewal state with the signed payloads backing
// it. Both payloads pass the verification gate before they are trusted.
type SubscriptionStatus struct {
	State       RenewalState                    `json:"state"`
	Transaction VerificationResult[Transaction] `json:"transaction"`
	Renewal     VerificationResult[RenewalInfo] `json:"renewal"`
}

// PurchaseOutcome is the terminal result of a purchase attempt.
type PurchaseOutcome string

const (
	PurchaseSuccess   PurchaseOutcome = "success"
	PurchaseCancelled PurchaseOutcome = "cancelled"
	PurchasePending   PurchaseOutcome = "pending"
	PurchaseFailed    PurchaseOutcome = "failed"
)

// PurchaseResult is what the platform returns for a purchase call.
// Transaction is populated only when Outcome is PurchaseSuccess.
type PurchaseResult struct {
	Outcome     PurchaseOutcome                  `json:"outcome"`
	Transaction *VerificationResult[Transaction] `json:"transaction,omitempty"`
}
