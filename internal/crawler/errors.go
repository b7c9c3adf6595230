package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// CheckStatus returns a *StatusError for non-2xx codes.
func CheckStatus(url string, code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{URL: url, StatusCode: code}
}

// IsStatusError reports whether err carries a non-2xx response.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
