// Package fiber provides Fiber middleware for entitlement gates
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// EntitlementKey is the Locals key holding the resolved *entitle.Entitlement
const EntitlementKey = "entitle.entitlement"

// AccountIDExtractor extracts the account ID from a Fiber context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, ent *entitle.Entitlement) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

// RequireFeature creates a Fiber middleware that admits only callers whose
// plan has Feature enabled.
func RequireFeature(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("goentitle/fiber: Config.Manager is required")
	}
	if cfg.GetAccountID == nil {
		panic("goentitle/fiber: Config.GetAccountID is required")
	}
	if cfg.Feature == "" {
		panic("goentitle/fiber: Config.Feature is required")
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ent := cfg.Manager.Entitlement(c.UserContext(), accountID)
		if !ent.HasFeatureAccess(cfg.Feature) {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, ent)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":   "upgrade_required",
				"feature": cfg.Feature,
				"plan":    planName(ent),
			})
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

// GetEntitlement returns the entitlement stored by RequireFeature, or nil.
func GetEntitlement(c *fiber.Ctx) *entitle.Entitlement {
	ent, _ := c.Locals(EntitlementKey).(*entitle.Entitlement)
	return ent
}

func planName(ent *entitle.Entitlement) string {
	if ent == nil || ent.Plan.Name == "" {
		return string(entitle.PlanFreemium)
	}
	return string(ent.Plan.Name)
}

// FromLocals returns an AccountIDExtractor that reads c.Locals(key)
func FromLocals(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParams returns an AccountIDExtractor that gets account ID from a route parameter
func FromParams(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
