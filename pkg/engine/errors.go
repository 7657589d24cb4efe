package engine

import "errors"

// Error taxonomy sentinels. Wrapped into returned errors so callers can
// classify with errors.Is.
var (
	// ErrConfiguration marks missing credentials or a misconfigured adapter
	// or handler. Fatal, raised before any mutation.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection marks a source or destination connection failure. Fatal
	// for the run; ledger state is untouched, so retry is safe.
	ErrConnection = errors.New("connection failure")

	// ErrResolution marks a required foreign key that could not be resolved
	// through the identity registry.
	ErrResolution = errors.New("foreign-key resolution failure")

	// ErrValidation marks a record the handler rejected.
	ErrValidation = errors.New("validation failure")

	// ErrDuplicate marks an existing destination record under duplicate
	// policy "error".
	ErrDuplicate = errors.New("duplicate entity")
)
