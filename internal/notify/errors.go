package notify

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every store adapter and lifecycle operation.
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("notification not found")
	ErrValidation       = errors.New("validation failed")
)

// ValidationError reports a field outside its declared bounds
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
