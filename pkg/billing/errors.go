package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a plan has no price in PlanMapping
	ErrPlanNotConfigured = errors.New("plan not configured in plan mapping")

	// ErrUnknownPrice is returned when a webhook carries an unmapped price/product id
	ErrUnknownPrice = errors.New("price not configured in plan mapping")

	// ErrMissingMetadata is returned when checkout metadata is absent or malformed
	ErrMissingMetadata = errors.New("missing or malformed checkout metadata")

	// ErrMissingSubscriptionID is returned when an event names no subscription
	ErrMissingSubscriptionID = errors.New("event has no subscription id")

	// ErrUnknownProvider is returned by the provider factory
	ErrUnknownProvider = errors.New("unknown billing provider")
)

// APIError is an error response from a provider REST API. Message is the
// provider's own text and is shown to the user verbatim.
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s API error (status %d, %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrProviderAPIError
}

// ProviderMessage returns the message a provider attached to err, or
// err's text when err is not an *APIError.
func ProviderMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
