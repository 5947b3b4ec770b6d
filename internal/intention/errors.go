package intention

import "errors"

// Error taxonomy shared by the adapters and the service. Callers match with
// errors.Is; adapters wrap these with operation context.
var (
	// ErrValidation marks input rejected before any store is touched
	// (empty text, unknown kind).
	ErrValidation = errors.New("validation failed")

	// ErrAuthRequired is returned by the remote adapter when there is no
	// session. The service never routes there without one.
	ErrAuthRequired = errors.New("authentication required")

	// ErrRemoteUnavailable wraps transport and backend failures. Recoverable.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrLocalStorageCorrupt marks an unreadable local collection. The local
	// adapter recovers from it by treating the collection as empty.
	ErrLocalStorageCorrupt = errors.New("local storage corrupt")

	// ErrAlreadySealed is returned when a seal toggle targets an
	// authenticated record.
	ErrAlreadySealed = errors.New("authenticated intentions are always sealed")

	// ErrInFlight is returned when a submit is already running for a kind.
	ErrInFlight = errors.New("submit already in flight")

	// ErrNotFound is returned when the backend reports no matching record.
	ErrNotFound = errors.New("intention not found")
)
