package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	// Body holds the start of the response body.
	Body []byte
	// RetryAfter is set on 429 and 503 answers: how long requests are held back.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter)
	}
	if len(e.Body) > 0 {
		msg += ": " + string(e.Body)
	}
	return msg
}

// RateLimited reports whether the service asked the client to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
