package entitle

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription row matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrDuplicateSubscription is returned when inserting a row whose
	// provider_subscription_id already exists
	ErrDuplicateSubscription = errors.New("duplicate provider subscription id")

	// ErrPlanNotFound is returned for unknown plan ids or names
	ErrPlanNotFound = errors.New("plan not found")

	// ErrAccountNotFound is returned when the account row does not exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidSubscription is returned when a row is missing required fields
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrStaleEvent is returned when a webhook write carries an event older
	// than the one that last changed the row
	ErrStaleEvent = errors.New("stale subscription event")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
