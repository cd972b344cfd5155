// Package remote implements the storefront client against the vendor's
// platform service: JSON over HTTPS for the bounded calls and a
// websocket for the transaction-update feed. Payload authenticity rides
// on signed envelopes, so callers get VerificationResults rather than
// trusted values.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout  = 30 * time.Second
	dnsRefreshTTL   = 5 * time.Minute
	maxResponseSize = 4 << 20
)

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

// cachedResolver returns the process-wide caching DNS resolver,
// refreshing entries in the background to avoid staleness.
func cachedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(dnsRefreshTTL)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return resolver
}

func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := cachedResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		DialContext:           dialContextWithCache,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Config describes how to reach the platform service.
type Config struct {
	BaseURL   string        // e.g. https://store.example.com
	AppToken  string        // bearer token identifying this app
	PublicKey string        // base64 Ed25519 key verifying envelopes
	Timeout   time.Duration // per-request timeout, default 30s
}

// Client talks to the platform service. It implements storefront.Client.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	verifier *Verifier
}

// New builds a live platform client. The verification key is required:
// without it every payload would be unverified and the entitlement gate
// would reject everything.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("platform base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse platform base URL: %w", err)
	}
	verifier, err := NewVerifier(cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  base,
		token:    cfg.AppToken,
		http:     newHTTPClient(cfg.Timeout),
		verifier: verifier,
	}, nil
}

type productsRequest struct {
	IDs []string `json:"ids"`
}

type productsResponse struct {
	Products []storefront.Product `json:"products"`
}

type purchaseRequest struct {
	ProductID string `json:"productId"`
}

type purchaseResponse struct {
	Outcome     string `json:"outcome"`
	Transaction string `json:"transaction,omitempty"`
}

type entitlementsResponse struct {
	Transactions []string `json:"transactions"`
}

type latestTransactionResponse struct {
	Transaction string `json:"transaction"`
}

type statusesResponse struct {
	Statuses []wireStatus `json:"statuses"`
}

type wireStatus struct {
	State       string `json:"state"`
	Transaction string `json:"transaction"`
	Renewal     string `json:"renewal"`
}

type eligibilityResponse struct {
	Eligible bool `json:"eligible"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Products implements storefront.Client.
func (c *Client) Products(ctx context.Context, ids []string) ([]storefront.Product, error) {
	var resp productsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/products", "products", "", productsRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// Purchase implements storefront.Client.
func (c *Client) Purchase(ctx context.Context, productID string) (storefront.PurchaseResult, error) {
	var resp purchaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/purchase", "purchase", productID, purchaseRequest{ProductID: productID}, &resp); err != nil {
		return storefront.PurchaseResult{}, err
	}

	result := storefront.PurchaseResult{Outcome: storefront.PurchaseOutcome(resp.Outcome)}
	switch result.Outcome {
	case storefront.PurchaseSuccess, storefront.PurchaseCancelled, storefront.PurchasePending, storefront.PurchaseFailed:
	default:
		log.Warn().Str("outcome", resp.Outcome).Msg("Platform reported unknown purchase outcome")
		result.Outcome = storefront.PurchaseFailed
	}
	if resp.Transaction != "" {
		vr := c.verifier.DecodeTransaction(resp.Transaction)
		result.Transaction = &vr
	}
	return result, nil
}

// CurrentEntitlements implements storefront.Client.
func (c *Client) CurrentEntitlements(ctx context.Context) ([]storefront.VerificationResult[storefront.Transaction], error) {
	var resp entitlementsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/entitlements", "entitlements", "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]storefront.VerificationResult[storefront.Transaction], 0, len(resp.Transactions))
	for _, envelope := range resp.Transactions {
		out = append(out, c.verifier.DecodeTransaction(envelope))
	}
	return out, nil
}

// LatestTransaction implements storefront.Client.
func (c *Client) LatestTransaction(ctx context.Context, productID string) (*storefront.VerificationResult[storefront.Transaction], error) {
	var resp latestTransactionResponse
	path := "/v1/transactions/latest?productId=" + url.QueryEscape(productID)
	err := c.do(ctx, http.MethodGet, path, "latest_transaction", productID, nil, &resp)
	if err != nil {
		var reqErr *storefront.RequestError
		if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound {
			return nil, storefront.ErrNoTransaction
		}
		return nil, err
	}
	vr := c.verifier.DecodeTransaction(resp.Transaction)
	return &vr, nil
}

// SubscriptionStatus implements storefront.Client.
func (c *Client) SubscriptionStatus(ctx context.Context, groupID string) ([]storefront.SubscriptionStatus, error) {
	var resp statusesResponse
	path := "/v1/subscriptions/" + url.PathEscape(groupID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, "status", "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]storefront.SubscriptionStatus, 0, len(resp.Statuses))
	for _, ws := range resp.Statuses {
		out = append(out, storefront.SubscriptionStatus{
			State:       storefront.RenewalState(ws.State),
			Transaction: c.verifier.DecodeTransaction(ws.Transaction),
			Renewal:     c.verifier.DecodeRenewalInfo(ws.Renewal),
		})
	}
	return out, nil
}

// Finish implements storefront.Client.
func (c *Client) Finish(ctx context.Context, transactionID string) error {
	path := "/v1/transactions/" + url.PathEscape(transactionID) + "/finish"
	return c.do(ctx, http.MethodPost, path, "finish", "", nil, nil)
}

// IntroOfferEligible implements storefront.Client.
func (c *Client) IntroOfferEligible(ctx context.Context, groupID string) (bool, error) {
	var resp eligibilityResponse
	path := "/v1/subscriptions/" + url.PathEscape(groupID) + "/intro-eligibility"
	if err := c.do(ctx, http.MethodGet, path, "intro_eligibility", "", nil, &resp); err != nil {
		return false, err
	}
	return resp.Eligible, nil
}

func (c *Client) do(ctx context.Context, method, path, op, productID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return storefront.NewRequestError(op, productID, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return storefront.NewRequestError(op, productID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return storefront.NewRequestError(op, productID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return storefront.NewRequestError(op, productID, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(http.StatusText(resp.StatusCode))
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return storefront.NewRequestError(op, productID, fmt.Errorf("platform responded %d: %s", resp.StatusCode, msg)).
			WithStatusCode(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return storefront.NewRequestError(op, productID, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
