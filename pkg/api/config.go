package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager resolves entitlements (required)
	Manager *entitle.Manager

	// Providers maps each provider to its adapter. The bridge picks the
	// provider recorded on the subscription row. Required for the
	// cancel, reactivate and manage endpoints.
	Providers map[entitle.Provider]billing.Provider

	// GetAccountID extracts the authenticated account id from the request (required)
	GetAccountID func(*http.Request) string

	// OnError handles errors. If nil, a JSON {"error": "..."} body is written.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is optional; defaults to entitle.NoopLogger
	Logger entitle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetAccountID == nil {
		return fmt.Errorf("getAccountID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common AccountID extraction patterns

// FromHeader returns a GetAccountID function that reads a request header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetAccountID function that reads a string from the
// request context.
func FromContext(key any) func(*http.Request) string {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}
