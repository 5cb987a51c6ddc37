package chat

import "errors"

// Sentinel errors for engine operations. Check with errors.Is().
//
// Completion failures are not listed here: the engine surfaces the
// completion client's classified error verbatim (wrapped with context), so
// callers inspect it with errors.As on *completion.Error.
var (
	// ErrValidation indicates bad caller input, such as an empty message.
	// Never retried automatically.
	ErrValidation = errors.New("invalid input")

	// ErrInvalidState indicates the operation is not valid in the session's
	// current lifecycle state. The caller should re-check state.
	ErrInvalidState = errors.New("operation not valid in current session state")

	// ErrPersistence indicates a store operation failed. Surfaced as-is;
	// the engine does not retry.
	ErrPersistence = errors.New("store operation failed")

	// ErrSessionNotFound indicates the referenced session does not exist.
	// Store implementations return this from conditional updates.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSubscription indicates the change-feed registration failed. The
	// session remains usable in degraded, poll-only mode.
	ErrSubscription = errors.New("change feed subscription failed")

	// ErrSummaryUnavailable indicates the session was ended but the
	// closing summary could not be generated. The session is Ended with an
	// empty summary; ending is never blocked by best-effort summarization.
	ErrSummaryUnavailable = errors.New("session ended without summary")
)
