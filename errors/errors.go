// Package errors defines the error taxonomy shared by the token codec, the
// provider gateway, the lock manager and the orchestrator. Callers distinguish
// kinds with errors.Is; the HTTP layer maps them to status codes and redirects.
package errors

import "errors"

var (
	// ErrInvalidSignature means the token signature never matched our keypair.
	// It never grants any level of trust.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrTokenExpired means the signature was valid at mint time but the token
	// is past its expiry. Expired tokens remain decodable for redirect context
	// and nothing else.
	ErrTokenExpired = errors.New("token expired")

	// ErrProviderExchange is returned when an authorization-code exchange with
	// an external provider fails. The flow must be restarted, never retried.
	ErrProviderExchange = errors.New("provider code exchange failed")

	// ErrProviderDiscovery is fatal at startup: the provider's discovery
	// document could not be fetched or parsed.
	ErrProviderDiscovery = errors.New("provider discovery failed")

	// ErrDuplicateProviderID is fatal at startup: two providers derive the
	// same id from their configuration.
	ErrDuplicateProviderID = errors.New("duplicate provider id")

	// ErrLockHeld is the store-level uniqueness violation on the locks
	// collection: another owner holds the row.
	ErrLockHeld = errors.New("lock row already exists")

	// ErrLockUnavailable is surfaced by the orchestrator when the quota lock
	// could not be acquired. Transient; retry or abort is the caller's call.
	ErrLockUnavailable = errors.New("lock held by another owner")

	ErrQuotaExceeded    = errors.New("organization member quota exceeded")
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrUserNotFound         = errors.New("user not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrBadEmail             = errors.New("malformed or missing email")
	ErrMalformedPassword    = errors.New("password does not meet the minimal requirements")
)
