// Package renewal resolves the single authoritative subscription status out
// of a group of per-product statuses and renders it as a human-readable
// renewal or expiration description.
package renewal

import (
	"errors"

	"github.com/rcourtman/entitled/internal/catalog"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rs/zerolog/log"
)

// Resolve picks the highest-tier active status from a subscription group.
//
// Expired and revoked statuses are skipped. Each remaining status must
// carry verified renewal info naming a product present in subs; statuses
// failing either check are skipped. Among the candidates the one whose
// renewing product has the strictly greatest tier rank wins; on equal rank
// the earlier-seen candidate is kept. Returns (nil, nil) when subs is
// empty or nothing qualifies.
func Resolve(subs []storefront.Product, statuses []storefront.SubscriptionStatus, tiers *catalog.Catalog) (*storefront.SubscriptionStatus, *storefront.Product) {
	if len(subs) == 0 {
		return nil, nil
	}

	var (
		best        *storefront.SubscriptionStatus
		bestProduct *storefront.Product
	)

	for i := range statuses {
		status := statuses[i]
		if status.State == storefront.StateExpired || status.State == storefront.StateRevoked {
			continue
		}

		info, err := storefront.CheckVerified(status.Renewal)
		if err != nil {
			if errors.Is(err, storefront.ErrVerificationFailed) {
				log.Warn().Str("state", string(status.State)).Msg("Skipping subscription status with unverified renewal info")
			}
			continue
		}

		product := FindProduct(subs, info.ProductID)
		if product == nil {
			log.Debug().Str("product", info.ProductID).Msg("Renewal info names an untracked product, skipping status")
			continue
		}

		if best == nil || tiers.TierFor(product.ID).Rank > tiers.TierFor(bestProduct.ID).Rank {
			s, p := status, *product
			best, bestProduct = &s, &p
		}
	}

	return best, bestProduct
}

// FindProduct returns the product in subs with the given id, or nil.
func FindProduct(subs []storefront.Product, id string) *storefront.Product {
	for i := range subs {
		if subs[i].ID == id {
			return &subs[i]
		}
	}
	return nil
}
