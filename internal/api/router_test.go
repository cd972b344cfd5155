package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rcourtman/entitled/internal/auth"
	"github.com/rcourtman/entitled/internal/catalog"
	"github.com/rcourtman/entitled/internal/config"
	"github.com/rcourtman/entitled/internal/entitlement"
	"github.com/rcourtman/entitled/internal/journal"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rcourtman/entitled/internal/storefront/storetest"
	"github.com/rcourtman/entitled/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup = "plans"

func subscriptionProduct(id string, cents int64) storefront.Product {
	return storefront.Product{
		ID:          id,
		DisplayName: id,
		PriceCents:  cents,
		Currency:    "USD",
		Type:        storefront.ProductTypeAutoRenewable,
		Subscription: &storefront.SubscriptionInfo{
			GroupID: testGroup,
			Period:  storefront.SubscriptionPeriod{Value: 1, Unit: storefront.PeriodMonth},
		},
	}
}

type testEnv struct {
	fake   *storetest.Fake
	store  *entitlement.Store
	cfg    *config.Config
	server *httptest.Server
}

// newTestEnv builds a router over a fake platform seeded with two plans.
func newTestEnv(t *testing.T, cfg *config.Config, ledger *journal.Store, hub *websocket.Hub) *testEnv {
	t.Helper()

	fake := storetest.NewFake()
	fake.SetProducts(
		subscriptionProduct("plan.basic", 199),
		subscriptionProduct("plan.pro", 999),
	)

	s, err := entitlement.New(entitlement.Config{
		Client:  fake,
		Catalog: catalog.New(map[string]int{"plan.basic": 1, "plan.pro": 2}),
		GroupID: testGroup,
		Journal: ledger,
	})
	require.NoError(t, err)
	require.NoError(t, s.RequestProducts(context.Background()))

	if cfg == nil {
		cfg = &config.Config{}
	}
	router := NewRouter(cfg, s, hub, ledger, "1.2.3-test")
	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	return &testEnv{fake: fake, store: s, cfg: cfg, server: server}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthAndVersionOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	decodeBody(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, false, health["listening"])

	resp = env.do(t, http.MethodGet, "/api/version", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var version map[string]interface{}
	decodeBody(t, resp, &version)
	assert.Equal(t, "1.2.3-test", version["version"])
}

func TestHealthStaysOpenWithAuth(t *testing.T) {
	env := newTestEnv(t, &config.Config{APIToken: "sekrit"}, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/health", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/state", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthTokenForms(t *testing.T) {
	env := newTestEnv(t, &config.Config{APIToken: "sekrit"}, nil, nil)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"bearer_header", "/api/state", "Bearer sekrit", http.StatusOK},
		{"raw_header", "/api/state", "sekrit", http.StatusOK},
		{"query_token", "/api/state?token=sekrit", "", http.StatusOK},
		{"wrong_token", "/api/state", "Bearer nope", http.StatusUnauthorized},
		{"missing_token", "/api/state", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			resp := env.do(t, http.MethodGet, tt.path, nil, headers)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAuthHashedToken(t *testing.T) {
	hash, err := auth.HashToken("sekrit")
	require.NoError(t, err)
	env := newTestEnv(t, &config.Config{APIToken: hash}, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/state", nil, map[string]string{"Authorization": "Bearer sekrit"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/state", nil, map[string]string{"Authorization": "Bearer wrong"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStateReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/state", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap entitlement.Snapshot
	decodeBody(t, resp, &snap)
	require.Len(t, snap.Subscriptions, 2)
	assert.Equal(t, "plan.basic", snap.Subscriptions[0].ID)
	assert.Equal(t, "plan.pro", snap.Subscriptions[1].ID)
}

func TestProductsList(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Products []storefront.Product `json:"products"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Products, 2)
	assert.Equal(t, "plan.basic", body.Products[0].ID)
}

func TestStatusResolved(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	expiry := time.Now().Add(30 * 24 * time.Hour)
	env.fake.SetStatuses(testGroup, storefront.SubscriptionStatus{
		State: storefront.StateSubscribed,
		Transaction: storefront.Verified(storefront.Transaction{
			ID:           "tx-plan.pro",
			ProductID:    "plan.pro",
			ProductType:  storefront.ProductTypeAutoRenewable,
			PurchaseDate: time.Now().Add(-time.Hour),
			ExpiresAt:    &expiry,
			Quantity:     1,
		}),
		Renewal: storefront.Verified(storefront.RenewalInfo{ProductID: "plan.pro", AutoRenewOn: true}),
	})

	resp := env.do(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	decodeBody(t, resp, &body)
	require.NotNil(t, body.Status)
	require.NotNil(t, body.Product)
	assert.Equal(t, storefront.StateSubscribed, body.Status.State)
	assert.Equal(t, "plan.pro", body.Product.ID)
	assert.Contains(t, body.Description, "currently subscribed")
}

func TestStatusEmptyWithoutSubscriptions(t *testing.T) {
	fake := storetest.NewFake()
	s, err := entitlement.New(entitlement.Config{Client: fake, GroupID: testGroup})
	require.NoError(t, err)
	router := NewRouter(&config.Config{}, s, nil, nil, "test")
	server := httptest.NewServer(router.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	decodeBody(t, resp, &body)
	assert.Nil(t, body.Status)
	assert.Nil(t, body.Product)
	assert.Empty(t, body.Description)
}

func TestPurchaseSuccess(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	payload := []byte(`{"product_id": "plan.basic"}`)
	resp := env.do(t, http.MethodPost, "/api/purchase", payload, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body purchaseResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Purchased)
	require.NotNil(t, body.Transaction)
	assert.Equal(t, "plan.basic", body.Transaction.ProductID)

	// The transaction is acknowledged before the response is written
	require.Len(t, env.fake.Finished(), 1)
}

func TestPurchaseNotCompleted(t *testing.T) {
	tests := []struct {
		name    string
		outcome storefront.PurchaseOutcome
	}{
		{"cancelled", storefront.PurchaseCancelled},
		{"pending", storefront.PurchasePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil, nil)
			env.fake.SetPurchaseOutcome("plan.basic", tt.outcome)

			resp := env.do(t, http.MethodPost, "/api/purchase", []byte(`{"product_id": "plan.basic"}`), nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body purchaseResponse
			decodeBody(t, resp, &body)
			assert.False(t, body.Purchased)
			assert.NotEmpty(t, body.Reason)
			assert.Nil(t, body.Transaction)
		})
	}
}

func TestPurchaseVerificationFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	env.fake.FailVerification("plan.basic", "signature mismatch")

	resp := env.do(t, http.MethodPost, "/api/purchase", []byte(`{"product_id": "plan.basic"}`), nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body APIError
	decodeBody(t, resp, &body)
	assert.Equal(t, "verification_failed", body.Code)
	assert.Contains(t, body.ErrorMessage, "could not be verified")
}

func TestPurchaseUnknownProduct(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodPost, "/api/purchase", []byte(`{"product_id": "plan.ghost"}`), nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body APIError
	decodeBody(t, resp, &body)
	assert.Equal(t, "purchase_failed", body.Code)
	assert.Contains(t, body.ErrorMessage, "not available for purchase")
}

func TestPurchaseBadRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"invalid_json", http.MethodPost, "{not json", http.StatusBadRequest},
		{"missing_product", http.MethodPost, "{}", http.StatusBadRequest},
		{"blank_product", http.MethodPost, `{"product_id": "  "}`, http.StatusBadRequest},
		{"wrong_method", http.MethodGet, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, "/api/purchase", []byte(tt.body), nil)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ledger, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ctx := context.Background()
	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, ledger.Record(ctx, journal.Entry{
			TransactionID: id,
			ProductID:     "plan.basic",
			Outcome:       journal.OutcomeProcessed,
		}))
	}

	env := newTestEnv(t, nil, ledger, nil)

	resp := env.do(t, http.MethodGet, "/api/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Entries []journal.Entry `json:"entries"`
	}
	decodeBody(t, resp, &body)
	assert.Len(t, body.Entries, 3)

	resp = env.do(t, http.MethodGet, "/api/history?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Len(t, body.Entries, 1)

	for _, bad := range []string{"abc", "0", "-2", "9999"} {
		resp = env.do(t, http.MethodGet, "/api/history?limit="+bad, nil, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", bad)
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []journal.Entry `json:"entries"`
	}
	decodeBody(t, resp, &body)
	assert.Empty(t, body.Entries)
}

func TestReportEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/report.pdf", nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	buf := make([]byte, 5)
	_, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-", string(buf))
}

func TestCORSAndPreflight(t *testing.T) {
	env := newTestEnv(t, &config.Config{AllowedOrigins: "https://app.example.com"}, nil, nil)

	resp := env.do(t, http.MethodOptions, "/api/state", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = env.do(t, http.MethodGet, "/api/health", nil, nil)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/health", nil, nil)
	resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := env.do(t, http.MethodGet, "/api/health", nil, nil)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/api/health", nil, map[string]string{"X-Request-ID": "abc-123"})
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestErrorHandlerRecoversPanic(t *testing.T) {
	handler := ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
}

func TestWebSocketViaRouter(t *testing.T) {
	hub := websocket.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	env := newTestEnv(t, &config.Config{APIToken: "sekrit"}, nil, hub)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http")

	// Without a token the upgrade is rejected before it reaches the hub
	_, resp, err := gws.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, resp2, err := gws.DefaultDialer.Dial(wsURL+"/ws?token=sekrit", nil)
	require.NoError(t, err)
	if resp2 != nil {
		resp2.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "welcome", msg.Type)
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/api/health", "/api/health"},
		{"/api/history?limit=5", "/api/history"},
		{"/api/transactions/12345/finish", "/api/transactions/:id/finish"},
		{"/api/" + strings.Repeat("x", 40), "/api/:token"},
		{"/a/b/c/d/e/f/g", "/a/b/c/d/e"},
	}
	for _, tt := range tests {
		if got := normalizeRoute(tt.in); got != tt.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
