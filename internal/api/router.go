package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/entitled/internal/auth"
	"github.com/rcourtman/entitled/internal/config"
	"github.com/rcourtman/entitled/internal/entitlement"
	"github.com/rcourtman/entitled/internal/journal"
	"github.com/rcourtman/entitled/internal/report"
	"github.com/rcourtman/entitled/internal/storefront"
	"github.com/rcourtman/entitled/internal/websocket"
	"github.com/rs/zerolog/log"
)

// reportHistoryLimit caps how many journal entries land in a PDF export.
const reportHistoryLimit = 25

// Router handles HTTP routing
type Router struct {
	mux     *http.ServeMux
	config  *config.Config
	store   *entitlement.Store
	hub     *websocket.Hub
	journal *journal.Store
	reports *report.Generator
	version string
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, store *entitlement.Store, hub *websocket.Hub, ledger *journal.Store, version string) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		store:   store,
		hub:     hub,
		journal: ledger,
		reports: report.NewGenerator(),
		version: version,
	}

	r.setupRoutes()
	return r
}

// Handler wraps the router with the error handling middleware.
func (r *Router) Handler() http.Handler {
	return ErrorHandler(r)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	// Health stays open so load balancers can probe without credentials
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)

	r.mux.HandleFunc("/api/state", r.requireAuth(r.handleState))
	r.mux.HandleFunc("/api/products", r.requireAuth(r.handleProducts))
	r.mux.HandleFunc("/api/status", r.requireAuth(r.handleStatus))
	r.mux.HandleFunc("/api/purchase", r.requireAuth(r.handlePurchase))
	r.mux.HandleFunc("/api/history", r.requireAuth(r.handleHistory))
	r.mux.HandleFunc("/api/report.pdf", r.requireAuth(r.handleReport))

	// WebSocket endpoint
	r.mux.HandleFunc("/ws", r.requireAuth(r.handleWebSocket))
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Add CORS headers if configured
	if r.config.AllowedOrigins != "" {
		w.Header().Set("Access-Control-Allow-Origin", r.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	}

	// Handle preflight requests
	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Add security headers for API endpoints
	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/ws") {
		r.addSecurityHeaders(w)
	}

	// Log request
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// addSecurityHeaders adds security headers to the response
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-XSS-Protection", "1; mode=block")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
}

// requireAuth guards a handler with the configured API token. The token is
// accepted from the Authorization header (raw or Bearer) or, for WebSocket
// clients that cannot set headers, a token query parameter.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.config.APIToken != "" {
			token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = req.URL.Query().Get("token")
			}
			if !auth.VerifyToken(token, r.config.APIToken) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, req)
	}
}

// handleHealth handles health check requests
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"listening": r.store.Listening(),
	}
	if r.hub != nil {
		health["clients"] = r.hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleVersion handles version requests
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version := map[string]interface{}{
		"version": r.version,
		"runtime": "go",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(version)
}

// handleState returns the current entitlement snapshot
func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.store.Snapshot())
}

// handleProducts returns the tracked subscription products
func (r *Router) handleProducts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := r.store.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"products": snap.Subscriptions,
	})
}

type statusResponse struct {
	Status      *storefront.SubscriptionStatus `json:"status"`
	Product     *storefront.Product            `json:"product"`
	Description string                         `json:"description"`
}

// handleStatus returns the resolved subscription status. Responds 200 with
// null status and product when there is no subscription.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, product, description := r.store.ResolveStatus(req.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Status:      status,
		Product:     product,
		Description: description,
	})
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

type purchaseResponse struct {
	Purchased   bool                    `json:"purchased"`
	Reason      string                  `json:"reason,omitempty"`
	Transaction *storefront.Transaction `json:"transaction,omitempty"`
}

// handlePurchase drives a purchase end to end: platform buy, verification,
// entitlement refresh, acknowledgement. A purchase the user abandoned is a
// 200 with purchased=false, not an error.
func (r *Router) handlePurchase(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body purchaseRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(body.ProductID) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "product_id is required")
		return
	}

	tx, err := r.store.Purchase(req.Context(), body.ProductID)
	if err != nil {
		if errors.Is(err, storefront.ErrVerificationFailed) {
			writeErrorResponse(w, http.StatusBadGateway, "verification_failed",
				"The purchase completed but its transaction could not be verified; entitlement was not granted")
			return
		}
		writeErrorResponse(w, http.StatusBadGateway, "purchase_failed", describePurchaseError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if tx == nil {
		json.NewEncoder(w).Encode(purchaseResponse{
			Purchased: false,
			Reason:    "The purchase was not completed",
		})
		return
	}
	json.NewEncoder(w).Encode(purchaseResponse{
		Purchased:   true,
		Transaction: tx,
	})
}

// describePurchaseError renders a client-safe description of a failed
// purchase. The raw error stays in the logs; platform response bodies never
// reach the client.
func describePurchaseError(err error) string {
	log.Error().Err(err).Msg("Purchase failed")

	switch {
	case errors.Is(err, storefront.ErrProductNotFound):
		return "The requested product is not available for purchase"
	case errors.Is(err, storefront.ErrUnavailable):
		return "The purchase service is temporarily unavailable"
	case errors.Is(err, storefront.ErrUnauthorized):
		return "The purchase service rejected this app's credentials"
	}
	return "The purchase could not be completed"
}

// handleHistory returns recent journal entries
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeErrorResponse(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries := []journal.Entry{}
	if r.journal != nil {
		got, err := r.journal.Recent(req.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("Journal read failed")
			writeErrorResponse(w, http.StatusInternalServerError, "journal_error", "Transaction history is unavailable")
			return
		}
		if got != nil {
			entries = got
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
	})
}

// handleReport streams a PDF summary of the current entitlement state
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, _, description := r.store.ResolveStatus(req.Context())

	var entries []journal.Entry
	if r.journal != nil {
		var err error
		entries, err = r.journal.Recent(req.Context(), reportHistoryLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Journal read for report failed, exporting without history")
		}
	}

	pdf, err := r.reports.Generate(report.Data{
		Snapshot:    r.store.Snapshot(),
		Description: description,
		Entries:     entries,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Report generation failed")
		writeErrorResponse(w, http.StatusInternalServerError, "report_error", "Report generation failed")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=entitlements-%s.pdf", time.Now().Format("2006-01-02")))
	if _, err := w.Write(pdf); err != nil {
		log.Warn().Err(err).Msg("Failed to stream report")
	}
}

// handleWebSocket upgrades the connection and hands it to the hub
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		http.Error(w, "WebSocket unavailable", http.StatusServiceUnavailable)
		return
	}
	r.hub.HandleWebSocket(w, req)
}
