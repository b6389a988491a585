package shared

import "errors"

// ErrInvalidInput marks a malformed request to a collaborator. It is
// returned before any state is touched.
var ErrInvalidInput = errors.New("invalid input")
