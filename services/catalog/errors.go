package catalog

import "errors"

var (
	// ErrUnavailable covers network and API failures. Callers skip to the
	// next fallback.
	ErrUnavailable = errors.New("catalog unavailable")

	// ErrNotFound is returned by Fetch for unknown ids
	ErrNotFound = errors.New("track not found")
)

// ProviderError represents an error from a provider with additional context
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError
func NewProviderError(provider, message string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Message:  message,
		Err:      err,
	}
}

// IsUnavailable reports whether err means the catalog could not be reached
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
