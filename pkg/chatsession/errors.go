package chatsession

import "github.com/pkg/errors"

// ErrBusy rejects a session-altering operation while another one is still
// outstanding. There is no queueing: the caller retries once the controller
// is idle again.
var ErrBusy = errors.New("session operation already in progress")

// ValidationError rejects a structurally invalid snapshot before any backend
// call is made. Local state is left untouched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid conversation snapshot: " + e.Reason
}

// IsValidationError reports whether err is a snapshot validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
