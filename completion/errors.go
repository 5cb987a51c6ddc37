package completion

import "fmt"

// Kind classifies a completion failure. Callers decide retry policy from
// the kind; the client itself never retries.
type Kind int

const (
	// KindMissingCredential: no API key configured. Failed fast, no
	// network call was attempted.
	KindMissingCredential Kind = iota

	// KindUnauthorized: the API rejected the credential (401).
	KindUnauthorized

	// KindQuotaExceeded: the API throttled the request (429). Back off and
	// retry later.
	KindQuotaExceeded

	// KindServer: a non-2xx status outside the cases above; StatusCode
	// carries the code.
	KindServer

	// KindTransport: connectivity or timeout failure before a status code
	// was received.
	KindTransport

	// KindMalformedResponse: a 2xx response whose body could not be parsed
	// into the expected shape.
	KindMalformedResponse
)

// String returns the kind's wire-friendly name.
func (k Kind) String() string {
	switch k {
	case KindMissingCredential:
		return "missing_credential"
	case KindUnauthorized:
		return "unauthorized"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindServer:
		return "server_error"
	case KindTransport:
		return "transport_error"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Error is a classified completion failure. Inspect with errors.As:
//
//	var cerr *completion.Error
//	if errors.As(err, &cerr) && cerr.Kind == completion.KindQuotaExceeded {
//	    // back off
//	}
type Error struct {
	Kind       Kind
	StatusCode int // HTTP status when one was received, otherwise 0
	cause      error
}

func (e *Error) Error() string {
	switch {
	case e.cause != nil && e.StatusCode != 0:
		return fmt.Sprintf("completion %s (status %d): %v", e.Kind, e.StatusCode, e.cause)
	case e.cause != nil:
		return fmt.Sprintf("completion %s: %v", e.Kind, e.cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("completion %s (status %d)", e.Kind, e.StatusCode)
	default:
		return fmt.Sprintf("completion %s", e.Kind)
	}
}

// Unwrap exposes the underlying transport or decoding error, if any.
func (e *Error) Unwrap() error { return e.cause }
