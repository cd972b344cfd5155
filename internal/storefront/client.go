package storefront

import "context"

// Client is the platform purchase service contract. The entitlement store
// depends on this interface only; the live implementation lives in the
// remote subpackage and a deterministic one in storetest.
type Client interface {
	// Products returns descriptors for the requested product ids. Ids the
	// platform does not recognize are silently absent from the result.
	Products(ctx context.Context, ids []string) ([]Product, error)

	// Purchase drives one purchase attempt to a terminal outcome. A
	// cancelled or pending attempt is a valid result, not an error.
	Purchase(ctx context.Context, productID string) (PurchaseResult, error)

	// TransactionUpdates subscribes to the platform's unbounded live feed
	// of transaction updates. The channel stays open until ctx is
	// cancelled; the feed itself never terminates on its own.
	TransactionUpdates(ctx context.Context) <-chan VerificationResult[Transaction]

	// CurrentEntitlements returns the finite snapshot of transactions the
	// user is currently entitled through: the latest transaction per
	// product, with revoked purchases absent. Consumers rebuild their
	// entitlement view from this snapshot rather than diffing it.
	CurrentEntitlements(ctx context.Context) ([]VerificationResult[Transaction], error)

	// LatestTransaction returns the most recent transaction for a product,
	// or ErrNoTransaction when none exists.
	LatestTransaction(ctx context.Context, productID string) (*VerificationResult[Transaction], error)

	// SubscriptionStatus returns every status in the subscription group,
	// one per subscription the user ever held in it.
	SubscriptionStatus(ctx context.Context, groupID string) ([]SubscriptionStatus, error)

	// Finish acknowledges a transaction so the platform stops redelivering
	// it. Must be called exactly once per observed transaction, after its
	// entitlement effects are applied.
	Finish(ctx context.Context, transactionID string) error

	// IntroOfferEligible reports whether the user is still eligible for an
	// introductory offer in the subscription group.
	IntroOfferEligible(ctx context.Context, groupID string) (bool, error)
}
