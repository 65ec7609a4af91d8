package access

import "errors"

var (
	// ErrInvalidPurchase is returned when a purchase lacks the product id or buyer email
	ErrInvalidPurchase = errors.New("invalid purchase: product id and buyer email are required")

	// ErrNoMatchingProduct is returned when no active product matches the external product id
	ErrNoMatchingProduct = errors.New("no active product matches external id")

	// ErrProductWithoutApp is returned when a matched product is not linked to an application
	ErrProductWithoutApp = errors.New("product is not linked to an app")

	// ErrProfileNotFound is returned when no profile matches a billing event
	ErrProfileNotFound = errors.New("profile not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidMatch is returned for a profile match without a value
	ErrInvalidMatch = errors.New("invalid profile match")
)
