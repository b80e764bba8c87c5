package domain

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by Start while another session is RUNNING.
var ErrAlreadyRunning = errors.New("a download session is already running")

// ValidationError reports a rejected DownloadRequest field. Sessions never
// start on a validation failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
