package domain

import "errors"

// Error kinds surfaced by the core. Wrap with fmt.Errorf("%w: ...") and
// test with errors.Is.
var (
	// ErrInvalidInput marks a malformed identity, event, or privilege
	// change. The call fails before any state mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration marks a rejected engine configuration. Raised at
	// construction time; no assessment ever runs against a bad config.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks a missing stored record (assessment, policy rule).
	// Unknown accounts are NOT an error: summaries default instead.
	ErrNotFound = errors.New("record not found")
)
