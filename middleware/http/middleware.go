// Package http provides net/http middleware for entitlement gates
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// AccountIDExtractor extracts the account ID from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager resolves entitlements (required)
	Manager *entitle.Manager

	// GetAccountID extracts account ID from request (required)
	GetAccountID AccountIDExtractor

	// Feature is the feature key the wrapped handler requires (required)
	Feature string

	// OnDenied is called when the feature is not on the caller's plan
	// If nil, returns 402 with {"error":"upgrade_required",...}
	OnDenied func(w http.ResponseWriter, r *http.Request, ent *entitle.Entitlement)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// RequireFeature creates middleware that lets a request through only when the
// caller's plan has Feature enabled. The resolved entitlement is stored on the
// request context.
func RequireFeature(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: Config.Manager is required")
	}
	if config.GetAccountID == nil {
		panic("goentitle/http: Config.GetAccountID is required")
	}
	if config.Feature == "" {
		panic("goentitle/http: Config.Feature is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ent := config.Manager.Entitlement(r.Context(), accountID)
			if !ent.HasFeatureAccess(config.Feature) {
				if config.OnDenied != nil {
					config.OnDenied(w, r, ent)
				} else {
					UpgradeRequired(w, config.Feature, ent)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), EntitlementKey, ent)))
		})
	}
}

// HandlerFunc is RequireFeature for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireFeature(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// UpgradeRequired writes the default 402 upgrade prompt.
func UpgradeRequired(w http.ResponseWriter, feature string, ent *entitle.Entitlement) {
	plan := string(entitle.PlanFreemium)
	if ent != nil && ent.Plan.Name != "" {
		plan = string(ent.Plan.Name)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "upgrade_required",
		"feature": feature,
		"plan":    plan,
	})
}

// CheckoutConfig configures CheckoutReturn
type CheckoutConfig struct {
	// Manager is refreshed when the marker is seen (required)
	Manager *entitle.Manager

	// Poller schedules the follow-up refreshes. Optional.
	Poller *entitle.Poller

	// GetAccountID extracts account ID from request (required)
	GetAccountID AccountIDExtractor

	// Param is the marker query parameter. Default: "checkout"
	Param string
}

// CheckoutReturn detects the checkout success marker on GET requests,
// refreshes the caller's entitlement, starts the reconciliation sequence and
// redirects (303) to the same URL without the marker so it is consumed once.
func CheckoutReturn(config CheckoutConfig) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: CheckoutConfig.Manager is required")
	}
	if config.GetAccountID == nil {
		panic("goentitle/http: CheckoutConfig.GetAccountID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			stripped, ok := entitle.ConsumeCheckoutMarker(r.URL, config.Param)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if accountID := config.GetAccountID(r); accountID != "" {
				config.Manager.Refresh(r.Context(), accountID)
				if config.Poller != nil {
					config.Poller.CheckoutReturned(accountID)
				}
			}
			http.Redirect(w, r, stripped.RequestURI(), http.StatusSeeOther)
		})
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for account ID
	AccountIDKey ContextKey = "entitle:accountID"
	// EntitlementKey holds the *entitle.Entitlement resolved by RequireFeature
	EntitlementKey ContextKey = "entitle:entitlement"
)

// EntitlementFromContext returns the entitlement stored by RequireFeature.
func EntitlementFromContext(ctx context.Context) *entitle.Entitlement {
	ent, _ := ctx.Value(EntitlementKey).(*entitle.Entitlement)
	return ent
}

// FromContext returns an AccountIDExtractor that gets account ID from request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
