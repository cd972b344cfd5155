// Package entitlement owns the reconciliation engine: it merges the
// platform's transaction-update feed with the static tier catalog to
// maintain the authoritative view of which subscription products the user
// currently owns.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcourtman/entitled/internal/catalog"
	"github.com/rcourtman/entitled/internal/journal"
	"github.com/rcourtman/entitled/internal/metrics"
	"github.com/rcourtman/entitled/internal/renewal"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rs/zerolog/log"
)

// Config assembles a Store. Client is required; everything else has a
// workable zero value.
type Config struct {
	Client  storefront.Client
	Catalog *catalog.Catalog
	GroupID string // subscription group of the tracked products; derived from descriptors when empty

	Journal  *journal.Store // optional transaction ledger
	OnChange func(Snapshot) // optional hook invoked after every committed change
}

// Snapshot is a consistent value copy of the entitlement state. Readers
// never observe a partially applied mutation.
type Snapshot struct {
	Subscriptions          []storefront.Product    `json:"subscriptions"`
	PurchasedIDs           []string                `json:"purchasedIdentifiers"`
	PurchasedSubscriptions []storefront.Product    `json:"purchasedSubscriptions"`
	GroupState             storefront.RenewalState `json:"subscriptionGroupStatus,omitempty"`
	UpdatedAt              time.Time               `json:"updatedAt"`
}

// Store is the single writer of entitlement state. Construct with New,
// start the background feed listener with Start, tear down with Stop.
type Store struct {
	client  storefront.Client
	journal *journal.Store
	groupID string

	mu            sync.RWMutex
	catalog       *catalog.Catalog
	subscriptions []storefront.Product
	purchasedIDs  map[string]struct{}
	purchasedSubs []storefront.Product
	groupState    storefront.RenewalState
	updatedAt     time.Time

	onChange  func(Snapshot)
	watchMu   sync.Mutex
	watchers  map[int]chan Snapshot
	nextWatch int

	listening atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Store. The catalog may be nil or empty; the store then
// tracks no products until ReloadCatalog installs one.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("entitlement: client is required")
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.New(nil)
	}
	return &Store{
		client:       cfg.Client,
		journal:      cfg.Journal,
		groupID:      cfg.GroupID,
		catalog:      cat,
		purchasedIDs: make(map[string]struct{}),
		onChange:     cfg.OnChange,
		watchers:     make(map[int]chan Snapshot),
	}, nil
}

// Start launches the transaction-update listener and kicks off the initial
// product request and entitlement reconciliation in the background. It
// never blocks on the network; the state starts empty but live.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		s.wg.Add(2)
		go s.listenForTransactions(ctx)
		go func() {
			defer s.wg.Done()
			if err := s.RequestProducts(ctx); err != nil {
				log.Warn().Err(err).Msg("Initial product request failed")
			}
			if err := s.RefreshEntitlements(ctx, storefront.ProductTypeAutoRenewable); err != nil {
				log.Warn().Err(err).Msg("Initial entitlement refresh failed")
			}
		}()
	})
}

// Stop cancels the background listener and waits for it to drain.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		log.Info().Msg("Entitlement store stopped")
	})
}

// Listening reports whether the transaction-update listener is running.
func (s *Store) Listening() bool {
	return s.listening.Load()
}

// Catalog returns the current tier catalog.
func (s *Store) Catalog() *catalog.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// ReloadCatalog swaps the tier catalog and re-requests products so the
// subscription list reflects the new tracked set.
func (s *Store) ReloadCatalog(ctx context.Context, c *catalog.Catalog) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	log.Info().Int("products", c.Len()).Msg("Catalog reloaded")

	if err := s.RequestProducts(ctx); err != nil {
		log.Warn().Err(err).Msg("Product request after catalog reload failed")
	}
	if err := s.RefreshEntitlements(ctx, storefront.ProductTypeAutoRenewable); err != nil {
		log.Warn().Err(err).Msg("Entitlement refresh after catalog reload failed")
	}
}

func (s *Store) listenForTransactions(ctx context.Context) {
	defer s.wg.Done()

	updates := s.client.TransactionUpdates(ctx)
	s.listening.Store(true)
	defer s.listening.Store(false)
	log.Info().Msg("Listening for transaction updates")

	for {
		select {
		case <-ctx.Done():
			return
		case vr, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					log.Warn().Msg("Transaction update feed closed unexpectedly")
				}
				return
			}
			s.handleTransactionUpdate(ctx, vr)
		}
	}
}

// handleTransactionUpdate applies one feed delivery. The acknowledgement
// happens after the entitlement effects on every path; skipping it makes
// the platform redeliver the transaction.
func (s *Store) handleTransactionUpdate(ctx context.Context, vr storefront.VerificationResult[storefront.Transaction]) {
	tx, err := storefront.CheckVerified(vr)
	if err != nil {
		log.Warn().Err(err).
			Str("transaction", vr.Value.ID).
			Str("product", vr.Value.ProductID).
			Msg("Dropping unverified transaction from update feed")
		metrics.RecordTransactionProcessed("verification_failed")
		s.recordJournal(ctx, journal.Entry{
			TransactionID: vr.Value.ID,
			ProductID:     vr.Value.ProductID,
			Outcome:       journal.OutcomeVerificationFailed,
		})
		s.finish(ctx, vr.Value.ID)
		return
	}

	if err := s.RefreshEntitlements(ctx, tx.ProductType); err != nil {
		log.Warn().Err(err).Str("transaction", tx.ID).Msg("Entitlement refresh for transaction update failed")
	}
	s.UpdatePurchasedIdentifiers(tx)

	log.Debug().
		Str("transaction", tx.ID).
		Str("product", tx.ProductID).
		Bool("revoked", tx.Revoked()).
		Msg("Processed transaction update")
	metrics.RecordTransactionProcessed("processed")
	s.recordJournal(ctx, journal.Entry{
		TransactionID: tx.ID,
		ProductID:     tx.ProductID,
		Outcome:       journal.OutcomeProcessed,
		Revoked:       tx.Revoked(),
	})
	s.finish(ctx, tx.ID)
}

// RequestProducts fetches descriptors for every tracked catalog id and
// replaces the subscription list with the auto-renewable ones, sorted by
// price ascending. On platform failure the previous list is kept.
func (s *Store) RequestProducts(ctx context.Context) error {
	s.mu.RLock()
	ids := s.catalog.IDs()
	s.mu.RUnlock()

	if len(ids) == 0 {
		log.Debug().Msg("No tracked products in catalog")
		s.mu.Lock()
		s.subscriptions = nil
		snap := s.commitLocked()
		s.mu.Unlock()
		s.publish(snap)
		metrics.SetCatalogProducts(0)
		return nil
	}

	products, err := s.client.Products(ctx, ids)
	metrics.RecordPlatformRequest("products", err)
	if err != nil {
		log.Error().Err(err).Msg("Product request failed, keeping previous subscriptions")
		return wrapRequestError("products", "", err)
	}

	subs := make([]storefront.Product, 0, len(products))
	for _, p := range products {
		switch p.Type {
		case storefront.ProductTypeAutoRenewable:
			subs = append(subs, p)
		default:
			// Extension point for future product types
			log.Debug().Str("product", p.ID).Str("type", string(p.Type)).Msg("Ignoring non-subscription product")
		}
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].PriceCents < subs[j].PriceCents })

	s.mu.Lock()
	s.subscriptions = subs
	snap := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap)
	metrics.SetCatalogProducts(len(subs))

	log.Info().Int("subscriptions", len(subs)).Msg("Updated subscription products")
	return nil
}

// RefreshEntitlements recomputes the purchased subscriptions of one
// product type from the platform's current-entitlement snapshot. It is a
// full recompute, which is what drops access revoked since the last pass.
// It also rederives the subscription group state, best effort.
func (s *Store) RefreshEntitlements(ctx context.Context, productType storefront.ProductType) error {
	results, err := s.client.CurrentEntitlements(ctx)
	metrics.RecordPlatformRequest("entitlements", err)
	if err != nil {
		log.Error().Err(err).Msg("Current entitlements fetch failed, keeping previous purchased subscriptions")
		return wrapRequestError("entitlements", "", err)
	}

	s.mu.RLock()
	subs := s.subscriptions
	s.mu.RUnlock()

	var matched []storefront.Product
	for _, vr := range results {
		tx, err := storefront.CheckVerified(vr)
		if err != nil {
			log.Warn().Err(err).Str("product", vr.Value.ProductID).Msg("Skipping unverified entitlement")
			continue
		}
		if tx.ProductType != productType {
			continue
		}
		if p := renewal.FindProduct(subs, tx.ProductID); p != nil {
			matched = append(matched, *p)
		}
	}

	groupState := s.fetchGroupState(ctx, subs)

	s.mu.Lock()
	next := make([]storefront.Product, 0, len(s.purchasedSubs)+len(matched))
	for _, p := range s.purchasedSubs {
		if p.Type != productType {
			next = append(next, p)
		}
	}
	next = append(next, matched...)
	s.purchasedSubs = next
	for _, p := range matched {
		s.purchasedIDs[p.ID] = struct{}{}
	}
	s.groupState = groupState
	snap := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap)
	metrics.SetSubscriptionState(string(groupState))

	log.Debug().
		Str("type", string(productType)).
		Int("purchased", len(matched)).
		Str("group_state", string(groupState)).
		Msg("Reconciled entitlements")
	return nil
}

// fetchGroupState derives the group status from the first status of the
// group's first product. Any failure yields the unknown state.
func (s *Store) fetchGroupState(ctx context.Context, subs []storefront.Product) storefront.RenewalState {
	gid := s.groupFor(subs)
	if gid == "" {
		return storefront.StateUnknown
	}
	statuses, err := s.client.SubscriptionStatus(ctx, gid)
	metrics.RecordPlatformRequest("status", err)
	if err != nil {
		log.Warn().Err(err).Str("group", gid).Msg("Subscription status fetch failed")
		return storefront.StateUnknown
	}
	if len(statuses) == 0 {
		return storefront.StateUnknown
	}
	return statuses[0].State
}

func (s *Store) groupFor(subs []storefront.Product) string {
	if s.groupID != "" {
		return s.groupID
	}
	for _, p := range subs {
		if p.Subscription != nil && p.Subscription.GroupID != "" {
			return p.Subscription.GroupID
		}
	}
	return ""
}

// UpdatePurchasedIdentifiers adds the transaction's product to the
// purchased set, or removes it when the transaction is revoked.
// Idempotent; applying the same transaction twice is safe.
func (s *Store) UpdatePurchasedIdentifiers(tx storefront.Transaction) {
	if tx.ProductID == "" {
		return
	}
	s.mu.Lock()
	if tx.RevokedAt == nil {
		s.purchasedIDs[tx.ProductID] = struct{}{}
	} else {
		delete(s.purchasedIDs, tx.ProductID)
	}
	snap := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// Purchase drives one purchase attempt. A nil transaction with a nil
// error means the attempt ended without a purchase (user cancelled, or
// the platform left it pending). A verification failure of the success
// payload propagates to the caller after the transaction is acknowledged.
func (s *Store) Purchase(ctx context.Context, productID string) (*storefront.Transaction, error) {
	result, err := s.client.Purchase(ctx, productID)
	if err != nil {
		metrics.RecordPurchase("error")
		return nil, wrapRequestError("purchase", productID, err)
	}

	switch result.Outcome {
	case storefront.PurchaseSuccess:
		// fall through to verification
	case storefront.PurchaseCancelled:
		log.Info().Str("product", productID).Msg("Purchase cancelled by user")
		metrics.RecordPurchase("cancelled")
		return nil, nil
	case storefront.PurchasePending:
		log.Info().Str("product", productID).Msg("Purchase pending approval")
		metrics.RecordPurchase("pending")
		return nil, nil
	default:
		log.Warn().Str("product", productID).Str("outcome", string(result.Outcome)).Msg("Purchase did not complete")
		metrics.RecordPurchase("failed")
		return nil, nil
	}

	if result.Transaction == nil {
		metrics.RecordPurchase("error")
		return nil, storefront.NewRequestError("purchase", productID, errors.New("platform reported success without a transaction"))
	}

	tx, err := storefront.CheckVerified(*result.Transaction)
	if err != nil {
		log.Warn().Err(err).Str("product", productID).Msg("Purchase produced an unverified transaction")
		metrics.RecordPurchase("verification_failed")
		s.recordJournal(ctx, journal.Entry{
			TransactionID: result.Transaction.Value.ID,
			ProductID:     productID,
			Outcome:       journal.OutcomeVerificationFailed,
		})
		s.finish(ctx, result.Transaction.Value.ID)
		return nil, err
	}

	if err := s.RefreshEntitlements(ctx, tx.ProductType); err != nil {
		log.Warn().Err(err).Str("product", productID).Msg("Entitlement refresh after purchase failed")
	}
	s.UpdatePurchasedIdentifiers(tx)
	metrics.RecordPurchase("success")
	s.recordJournal(ctx, journal.Entry{
		TransactionID: tx.ID,
		ProductID:     tx.ProductID,
		Outcome:       journal.OutcomePurchase,
	})
	s.finish(ctx, tx.ID)

	log.Info().Str("product", productID).Str("transaction", tx.ID).Msg("Purchase completed")
	return &tx, nil
}

// IsPurchased reports whether the user currently owns the product,
// judged by its most recent transaction: it must exist, verify, not be
// revoked, and not be superseded by an upgrade to a higher tier.
func (s *Store) IsPurchased(ctx context.Context, productID string) (bool, error) {
	vr, err := s.client.LatestTransaction(ctx, productID)
	if errors.Is(err, storefront.ErrNoTransaction) {
		return false, nil
	}
	metrics.RecordPlatformRequest("latest_transaction", err)
	if err != nil {
		return false, wrapRequestError("latest_transaction", productID, err)
	}
	if vr == nil {
		return false, nil
	}

	tx, err := storefront.CheckVerified(*vr)
	if err != nil {
		return false, err
	}
	return tx.RevokedAt == nil && !tx.Upgraded, nil
}

// IntroOfferEligible reports introductory-offer eligibility for a
// subscription product. Non-subscription products are never eligible;
// platform failures read as not eligible.
func (s *Store) IntroOfferEligible(ctx context.Context, product storefront.Product) bool {
	if product.Subscription == nil {
		return false
	}
	eligible, err := s.client.IntroOfferEligible(ctx, product.Subscription.GroupID)
	metrics.RecordPlatformRequest("intro_eligibility", err)
	if err != nil {
		log.Warn().Err(err).Str("product", product.ID).Msg("Intro offer eligibility check failed")
		return false
	}
	return eligible
}

// ResolveStatus fetches the group's statuses and resolves the single
// authoritative one together with its product and rendered description.
// Returns nils and an empty description when there is no subscription
// group or the fetch fails.
func (s *Store) ResolveStatus(ctx context.Context) (*storefront.SubscriptionStatus, *storefront.Product, string) {
	s.mu.RLock()
	subs := make([]storefront.Product, len(s.subscriptions))
	copy(subs, s.subscriptions)
	cat := s.catalog
	s.mu.RUnlock()

	gid := s.groupFor(subs)
	if gid == "" || len(subs) == 0 {
		return nil, nil, ""
	}

	statuses, err := s.client.SubscriptionStatus(ctx, gid)
	metrics.RecordPlatformRequest("status", err)
	if err != nil {
		log.Warn().Err(err).Str("group", gid).Msg("Subscription status fetch failed")
		return nil, nil, ""
	}

	status, product := renewal.Resolve(subs, statuses, cat)
	if status == nil || product == nil {
		return nil, nil, ""
	}
	return status, product, renewal.Describe(*status, *product, subs, time.Now())
}

// Snapshot returns a consistent value copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Watch registers a snapshot subscriber. Every committed mutation
// publishes the post-mutation snapshot; a slow subscriber loses
// intermediate snapshots but always receives a later one. The returned
// stop function unregisters the subscriber and closes the channel.
func (s *Store) Watch(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	stop := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
	}
	return ch, stop
}

// commitLocked stamps the mutation time and builds the snapshot that the
// caller publishes after releasing the lock.
func (s *Store) commitLocked() Snapshot {
	s.updatedAt = time.Now()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	ids := make([]string, 0, len(s.purchasedIDs))
	for id := range s.purchasedIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	subs := make([]storefront.Product, len(s.subscriptions))
	copy(subs, s.subscriptions)
	purchased := make([]storefront.Product, len(s.purchasedSubs))
	copy(purchased, s.purchasedSubs)

	return Snapshot{
		Subscriptions:          subs,
		PurchasedIDs:           ids,
		PurchasedSubscriptions: purchased,
		GroupState:             s.groupState,
		UpdatedAt:              s.updatedAt,
	}
}

func (s *Store) publish(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// Slow watcher: evict its oldest pending snapshot so the
			// newest one wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store) finish(ctx context.Context, transactionID string) {
	if transactionID == "" {
		return
	}
	if err := s.client.Finish(ctx, transactionID); err != nil {
		log.Warn().Err(err).Str("transaction", transactionID).Msg("Failed to acknowledge transaction")
	}
}

func (s *Store) recordJournal(ctx context.Context, e journal.Entry) {
	if err := s.journal.Record(ctx, e); err != nil {
		log.Warn().Err(err).Str("transaction", e.TransactionID).Msg("Failed to journal transaction")
	}
}

func wrapRequestError(op, productID string, err error) error {
	var reqErr *storefront.RequestError
	if errors.As(err, &reqErr) {
		return err
	}
	return storefront.NewRequestError(op, productID, fmt.Errorf("platform request: %w", err))
}
