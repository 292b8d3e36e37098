// Package gin provides Gin middleware for entitlement gates
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// EntitlementKey is the Gin context key holding the resolved *entitle.Entitlement
const EntitlementKey = "entitle.entitlement"

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager resolves entitlements
	Manager *entitle.Manager

	// GetAccountID extracts account ID from context (required)
	GetAccountID AccountIDExtractor

	// Feature is the feature key the route requires (required)
	Feature string

	// OnDenied is called when the caller's plan lacks Feature
	// If nil, returns 402 JSON {"error":"upgrade_required","feature":...,"plan":...}
	OnDenied func(c *gongin.Context, ent *entitle.Entitlement)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

// RequireFeature creates a Gin middleware that admits only callers whose plan
// has Feature enabled. Resolution failures already degrade to freemium, so a
// backend outage shows up as an upgrade prompt rather than a 5xx.
func RequireFeature(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/gin: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("goentitle/gin: Config.GetAccountID is required")
	}
	if cfg.Feature == "" {
		panic("goentitle/gin: Config.Feature is required")
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ent := cfg.Manager.Entitlement(c.Request.Context(), accountID)
		if !ent.HasFeatureAccess(cfg.Feature) {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, ent)
			} else {
				defaultDenied(c, cfg.Feature, ent)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

// GetEntitlement returns the entitlement stored by RequireFeature, or nil.
func GetEntitlement(c *gongin.Context) *entitle.Entitlement {
	if val, exists := c.Get(EntitlementKey); exists {
		if ent, ok := val.(*entitle.Entitlement); ok {
			return ent
		}
	}
	return nil
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultDenied(c *gongin.Context, feature string, ent *entitle.Entitlement) {
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":   "upgrade_required",
		"feature": feature,
		"plan":    planName(ent),
	})
}

func planName(ent *entitle.Entitlement) string {
	if ent == nil || ent.Plan.Name == "" {
		return string(entitle.PlanFreemium)
	}
	return string(ent.Plan.Name)
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that reads a Gin context value,
// as set by auth middleware via c.Set(key, "...").
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
