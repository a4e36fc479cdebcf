package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d for %s", e.Code, e.URL)
}

// Transient reports whether the error should drive a retry instead of a
// terminal failure: timeouts, transport errors, 5xx, and provider-side 429.
// Anything else (4xx, decode errors) is treated as terminal.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
