package renewal

import (
	"fmt"
	"time"

	"github.com/rcourtman/entitled/internal/storefront"
)

const dateFormat = "January 2, 2006"

// Describe renders a user-facing description of a resolved subscription
// status. The wording branches on the renewal state; whenever the backing
// transaction carries an expiration date, a renewal clause is appended
// describing what happens at that date. now anchors the future/past
// phrasing for expirations.
func Describe(status storefront.SubscriptionStatus, product storefront.Product, subs []storefront.Product, now time.Time) string {
	info, infoErr := storefront.CheckVerified(status.Renewal)
	tx, txErr := storefront.CheckVerified(status.Transaction)

	var expiresAt *time.Time
	if txErr == nil {
		expiresAt = tx.ExpiresAt
	}

	var desc string
	switch status.State {
	case storefront.StateSubscribed:
		desc = fmt.Sprintf("You are currently subscribed to %s.", product.DisplayName)

	case storefront.StateExpired:
		desc = expiredDescription(product, info, infoErr == nil, expiresAt, now)

	case storefront.StateRevoked:
		if txErr == nil && tx.RevokedAt != nil {
			desc = fmt.Sprintf("Your subscription to %s was refunded on %s and access has been revoked.",
				product.DisplayName, tx.RevokedAt.Format(dateFormat))
		} else {
			desc = fmt.Sprintf("Your subscription to %s was refunded and access has been revoked.", product.DisplayName)
		}

	case storefront.StateInGracePeriod:
		desc = fmt.Sprintf("Your subscription to %s needs its billing details confirmed to keep renewing.", product.DisplayName)
		if infoErr == nil && info.GracePeriodExpiresAt != nil {
			desc += fmt.Sprintf(" Update them before %s to keep your access.", info.GracePeriodExpiresAt.Format(dateFormat))
		}

	case storefront.StateInBillingRetry:
		desc = fmt.Sprintf("The payment for your subscription to %s could not be processed and is being retried. Check your billing details.", product.DisplayName)

	default:
		desc = fmt.Sprintf("Your subscription to %s is in an unknown state.", product.DisplayName)
	}

	if expiresAt != nil && infoErr == nil {
		desc += renewalClause(info, *expiresAt, subs)
	}
	return desc
}

func expiredDescription(product storefront.Product, info storefront.RenewalInfo, infoOK bool, expiresAt *time.Time, now time.Time) string {
	reason := storefront.ExpireUnknown
	if infoOK {
		reason = info.ExpirationReason
	}

	switch reason {
	case storefront.ExpireAutoRenewDisabled:
		if expiresAt != nil {
			if expiresAt.After(now) {
				return fmt.Sprintf("Your subscription to %s will expire on %s because auto-renewal is turned off.",
					product.DisplayName, expiresAt.Format(dateFormat))
			}
			return fmt.Sprintf("Your subscription to %s expired on %s because auto-renewal was turned off.",
				product.DisplayName, expiresAt.Format(dateFormat))
		}
		return fmt.Sprintf("Your subscription to %s expired because auto-renewal was turned off.", product.DisplayName)

	case storefront.ExpireBillingError:
		return fmt.Sprintf("Your subscription to %s was not renewed because of a billing error.", product.DisplayName)

	case storefront.ExpirePriceIncreaseDeclined:
		return fmt.Sprintf("Your subscription to %s was not renewed because you did not accept the price increase.", product.DisplayName)

	case storefront.ExpireProductUnavailable:
		return fmt.Sprintf("Your subscription to %s was not renewed because the product is no longer available.", product.DisplayName)

	default:
		return fmt.Sprintf("Your subscription to %s has expired.", product.DisplayName)
	}
}

// renewalClause describes what happens at the expiration date: a pending
// switch to a different tracked product wins over a plain auto-renewal;
// with auto-renew off nothing is appended.
func renewalClause(info storefront.RenewalInfo, expiresAt time.Time, subs []storefront.Product) string {
	if info.AutoRenewProductID != "" && info.AutoRenewProductID != info.ProductID {
		if next := FindProduct(subs, info.AutoRenewProductID); next != nil {
			return fmt.Sprintf(" Your subscription will change to %s on %s.", next.DisplayName, expiresAt.Format(dateFormat))
		}
	}
	if info.AutoRenewOn {
		return fmt.Sprintf(" Your next billing date is %s.", expiresAt.Format(dateFormat))
	}
	return ""
}
