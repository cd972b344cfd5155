package storetest

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/entitled/internal/storefront"
)

// DemoGroupID is the subscription group used by the demo platform.
const DemoGroupID = "demo.plus"

// DemoCatalog returns the tier ranks matching the demo product set, in the
// shape the catalog file would carry.
func DemoCatalog() map[string]int {
	return map[string]int{
		"demo.standard.monthly": 1,
		"demo.premium.monthly":  2,
		"demo.pro.monthly":      3,
	}
}

// NewDemoFake returns a fake platform seeded with three subscription tiers
// and an active premium subscription, for running the daemon without a
// real platform backend.
func NewDemoFake() *Fake {
	f := NewFake()

	monthly := storefront.SubscriptionPeriod{Unit: storefront.PeriodMonth, Value: 1}
	subInfo := func(intro bool) *storefront.SubscriptionInfo {
		info := &storefront.SubscriptionInfo{GroupID: DemoGroupID, Period: monthly}
		if intro {
			info.IntroOffer = &storefront.IntroOffer{
				PriceCents:  0,
				Period:      storefront.SubscriptionPeriod{Unit: storefront.PeriodWeek, Value: 1},
				PaymentMode: "free_trial",
			}
		}
		return info
	}

	f.SetProducts(
		storefront.Product{
			ID: "demo.standard.monthly", DisplayName: "Standard", Description: "Core features",
			PriceCents: 499, Currency: "USD", Type: storefront.ProductTypeAutoRenewable, Subscription: subInfo(true),
		},
		storefront.Product{
			ID: "demo.premium.monthly", DisplayName: "Premium", Description: "Everything in Standard plus sync",
			PriceCents: 999, Currency: "USD", Type: storefront.ProductTypeAutoRenewable, Subscription: subInfo(true),
		},
		storefront.Product{
			ID: "demo.pro.monthly", DisplayName: "Pro", Description: "Everything in Premium plus priority support",
			PriceCents: 1999, Currency: "USD", Type: storefront.ProductTypeAutoRenewable, Subscription: subInfo(false),
		},
		storefront.Product{
			ID: "demo.credits.pack", DisplayName: "Credit Pack", Description: "One-time credits",
			PriceCents: 299, Currency: "USD", Type: storefront.ProductTypeConsumable,
		},
	)

	now := time.Now()
	expiry := now.Add(30 * 24 * time.Hour)
	tx := storefront.Transaction{
		ID:           ulid.Make().String(),
		ProductID:    "demo.premium.monthly",
		ProductType:  storefront.ProductTypeAutoRenewable,
		PurchaseDate: now.Add(-24 * time.Hour),
		ExpiresAt:    &expiry,
		Quantity:     1,
	}
	f.record(storefront.Verified(tx))

	f.SetStatuses(DemoGroupID, storefront.SubscriptionStatus{
		State:       storefront.StateSubscribed,
		Transaction: storefront.Verified(tx),
		Renewal: storefront.Verified(storefront.RenewalInfo{
			ProductID:   "demo.premium.monthly",
			AutoRenewOn: true,
			RenewalDate: &expiry,
		}),
	})
	f.SetIntroEligible(DemoGroupID, false)

	return f
}
