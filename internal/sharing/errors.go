package sharing

import "errors"

// Error kinds returned by the engine and by store drivers. Callers match
// them with errors.Is; the wrapped message carries the detail.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDepthExceeded    = errors.New("chain depth exceeded")
	ErrExpired          = errors.New("share expired")
	ErrConflict         = errors.New("conflict")
)
