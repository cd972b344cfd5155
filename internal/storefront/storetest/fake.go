// Package storetest provides a deterministic in-memory implementation of
// the storefront client for tests and for mock mode. The fake is its own
// miniature platform: emitted transactions become the platform's record,
// so entitlement snapshots and point lookups stay consistent with the feed.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/entitled/internal/storefront"
)

// Fake implements storefront.Client with scripted data. Safe for
// concurrent use. The zero value is not usable; call NewFake.
type Fake struct {
	mu sync.Mutex

	products     map[string]storefront.Product
	entitlements map[string]storefront.VerificationResult[storefront.Transaction]
	latest       map[string]storefront.VerificationResult[storefront.Transaction]
	statuses     map[string][]storefront.SubscriptionStatus
	introligible map[string]bool

	outcomes     map[string]storefront.PurchaseOutcome
	failVerify   map[string]string // productID -> reason; purchases come back unverified
	finished     []string
	finishSignal chan string

	feedMu sync.Mutex
	feeds  []chan storefront.VerificationResult[storefront.Transaction]

	// Error injection. When set, the matching call returns the error.
	ProductsErr     error
	PurchaseErr     error
	EntitlementsErr error
	LatestErr       error
	StatusErr       error
	FinishErr       error
	IntroErr        error

	now func() time.Time
}

// NewFake returns an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		products:     make(map[string]storefront.Product),
		entitlements: make(map[string]storefront.VerificationResult[storefront.Transaction]),
		latest:       make(map[string]storefront.VerificationResult[storefront.Transaction]),
		statuses:     make(map[string][]storefront.SubscriptionStatus),
		introligible: make(map[string]bool),
		outcomes:     make(map[string]storefront.PurchaseOutcome),
		failVerify:   make(map[string]string),
		finishSignal: make(chan string, 128),
		now:          time.Now,
	}
}

// SetNow overrides the clock used for generated transactions.
func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetProducts seeds the platform catalog.
func (f *Fake) SetProducts(products ...storefront.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range products {
		f.products[p.ID] = p
	}
}

// SetStatuses scripts the status answer for a subscription group.
func (f *Fake) SetStatuses(groupID string, statuses ...storefront.SubscriptionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[groupID] = statuses
}

// SetIntroEligible scripts introductory-offer eligibility for a group.
func (f *Fake) SetIntroEligible(groupID string, eligible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introligible[groupID] = eligible
}

// SetPurchaseOutcome scripts the outcome of purchasing a product. Products
// without a scripted outcome purchase successfully.
func (f *Fake) SetPurchaseOutcome(productID string, outcome storefront.PurchaseOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[productID] = outcome
}

// FailVerification makes transactions produced for productID come back
// unverified with the given reason.
func (f *Fake) FailVerification(productID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failVerify[productID] = reason
}

// Emit pushes transactions onto the live feed and folds them into the
// platform record: they become the latest transaction for their product,
// and verified non-revoked ones appear in the entitlement snapshot.
func (f *Fake) Emit(results ...storefront.VerificationResult[storefront.Transaction]) {
	for _, vr := range results {
		f.record(vr)

		f.feedMu.Lock()
		for _, ch := range f.feeds {
			ch <- vr
		}
		f.feedMu.Unlock()
	}
}

func (f *Fake) record(vr storefront.VerificationResult[storefront.Transaction]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := vr.Value.ProductID
	if id == "" {
		return
	}
	f.latest[id] = vr
	if vr.Verified && !vr.Value.Revoked() {
		f.entitlements[id] = vr
	} else if vr.Value.Revoked() {
		delete(f.entitlements, id)
	}
}

// Finished returns the transaction ids acknowledged so far, in call order.
func (f *Fake) Finished() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.finished))
	copy(out, f.finished)
	return out
}

// FinishSignal receives one transaction id per Finish call. Tests use it
// to wait for the feed loop to complete a delivery.
func (f *Fake) FinishSignal() <-chan string {
	return f.finishSignal
}

// Products implements storefront.Client.
func (f *Fake) Products(ctx context.Context, ids []string) ([]storefront.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProductsErr != nil {
		return nil, f.ProductsErr
	}
	var out []storefront.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	// Deterministic order for assertions; callers re-sort by price anyway.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Purchase implements storefront.Client.
func (f *Fake) Purchase(ctx context.Context, productID string) (storefront.PurchaseResult, error) {
	if err := ctx.Err(); err != nil {
		return storefront.PurchaseResult{}, err
	}
	f.mu.Lock()
	if f.PurchaseErr != nil {
		err := f.PurchaseErr
		f.mu.Unlock()
		return storefront.PurchaseResult{}, err
	}
	product, ok := f.products[productID]
	if !ok {
		f.mu.Unlock()
		return storefront.PurchaseResult{}, storefront.NewRequestError("purchase", productID, storefront.ErrProductNotFound)
	}
	if outcome, scripted := f.outcomes[productID]; scripted && outcome != storefront.PurchaseSuccess {
		f.mu.Unlock()
		return storefront.PurchaseResult{Outcome: outcome}, nil
	}

	tx := storefront.Transaction{
		ID:           ulid.Make().String(),
		ProductID:    productID,
		ProductType:  product.Type,
		PurchaseDate: f.now(),
		Quantity:     1,
	}
	if product.Subscription != nil {
		expiry := f.now().Add(periodDuration(product.Subscription.Period))
		tx.ExpiresAt = &expiry
	}

	vr := storefront.Verified(tx)
	if reason, fail := f.failVerify[productID]; fail {
		vr = storefront.Unverified(tx, reason)
	}
	f.mu.Unlock()

	f.record(vr)
	return storefront.PurchaseResult{Outcome: storefront.PurchaseSuccess, Transaction: &vr}, nil
}

// TransactionUpdates implements storefront.Client. Each call registers an
// independent feed; the returned channel closes when ctx is cancelled.
func (f *Fake) TransactionUpdates(ctx context.Context) <-chan storefront.VerificationResult[storefront.Transaction] {
	feed := make(chan storefront.VerificationResult[storefront.Transaction], 64)
	out := make(chan storefront.VerificationResult[storefront.Transaction])

	f.feedMu.Lock()
	f.feeds = append(f.feeds, feed)
	f.feedMu.Unlock()

	go func() {
		defer close(out)
		defer f.dropFeed(feed)
		for {
			select {
			case <-ctx.Done():
				return
			case vr := <-feed:
				select {
				case out <- vr:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *Fake) dropFeed(feed chan storefront.VerificationResult[storefront.Transaction]) {
	f.feedMu.Lock()
	defer f.feedMu.Unlock()
	for i, ch := range f.feeds {
		if ch == feed {
			f.feeds = append(f.feeds[:i], f.feeds[i+1:]...)
			return
		}
	}
}

// CurrentEntitlements implements storefront.Client.
func (f *Fake) CurrentEntitlements(ctx context.Context) ([]storefront.VerificationResult[storefront.Transaction], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EntitlementsErr != nil {
		return nil, f.EntitlementsErr
	}
	ids := make([]string, 0, len(f.entitlements))
	for id := range f.entitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]storefront.VerificationResult[storefront.Transaction], 0, len(ids))
	for _, id := range ids {
		out = append(out, f.entitlements[id])
	}
	return out, nil
}

// LatestTransaction implements storefront.Client.
func (f *Fake) LatestTransaction(ctx context.Context, productID string) (*storefront.VerificationResult[storefront.Transaction], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LatestErr != nil {
		return nil, f.LatestErr
	}
	vr, ok := f.latest[productID]
	if !ok {
		return nil, storefront.ErrNoTransaction
	}
	out := vr
	return &out, nil
}

// SubscriptionStatus implements storefront.Client.
func (f *Fake) SubscriptionStatus(ctx context.Context, groupID string) ([]storefront.SubscriptionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	statuses := f.statuses[groupID]
	out := make([]storefront.SubscriptionStatus, len(statuses))
	copy(out, statuses)
	return out, nil
}

// Finish implements storefront.Client.
func (f *Fake) Finish(ctx context.Context, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.FinishErr != nil {
		err := f.FinishErr
		f.mu.Unlock()
		return err
	}
	f.finished = append(f.finished, transactionID)
	f.mu.Unlock()

	select {
	case f.finishSignal <- transactionID:
	default:
	}
	return nil
}

// IntroOfferEligible implements storefront.Client.
func (f *Fake) IntroOfferEligible(ctx context.Context, groupID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IntroErr != nil {
		return false, f.IntroErr
	}
	return f.introligible[groupID], nil
}

func periodDuration(p storefront.SubscriptionPeriod) time.Duration {
	day := 24 * time.Hour
	switch p.Unit {
	case storefront.PeriodDay:
		return time.Duration(p.Value) * day
	case storefront.PeriodWeek:
		return time.Duration(p.Value) * 7 * day
	case storefront.PeriodMonth:
		return time.Duration(p.Value) * 30 * day
	case storefront.PeriodYear:
		return time.Duration(p.Value) * 365 * day
	default:
		return 30 * day
	}
}
