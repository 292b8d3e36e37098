// Package echo provides Echo middleware for entitlement gates
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// EntitlementKey is the Echo context key holding the resolved *entitle.Entitlement
const EntitlementKey = "entitle.entitlement"

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, ent *entitle.Entitlement) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

// RequireFeature creates an Echo middleware that admits only callers whose
// plan has Feature enabled.
func RequireFeature(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("goentitle/echo: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("goentitle/echo: Config.GetAccountID is required")
	}
	if cfg.Feature == "" {
		panic("goentitle/echo: Config.Feature is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ent := cfg.Manager.Entitlement(c.Request().Context(), accountID)
			if !ent.HasFeatureAccess(cfg.Feature) {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, ent)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{
					"error":   "upgrade_required",
					"feature": cfg.Feature,
					"plan":    planName(ent),
				})
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

// GetEntitlement returns the entitlement stored by RequireFeature, or nil.
func GetEntitlement(c echo.Context) *entitle.Entitlement {
	ent, _ := c.Get(EntitlementKey).(*entitle.Entitlement)
	return ent
}

func planName(ent *entitle.Entitlement) string {
	if ent == nil || ent.Plan.Name == "" {
		return string(entitle.PlanFreemium)
	}
	return string(ent.Plan.Name)
}

// FromContext returns an AccountIDExtractor that reads an Echo context value
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets account ID from a path parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
