package provider

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned from provider constructors when no API
// key is available from config or environment. Construction fails fast;
// a provider is never registered without credentials.
var ErrNoCredentials = errors.New("no API credentials available")

// HTTPError is a non-2xx vendor response received before any stream
// event was produced. It is fatal to the call and surfaced synchronously.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an HTTPError with status 404, used
// by clients that fall back to an alternate endpoint.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == 404
}
