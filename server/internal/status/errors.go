package status

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// HTTPError is returned when the backup service answers with a non-200 code.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status: %s returned HTTP %d", e.URL, e.StatusCode)
}

// Transient reports whether the code means the service is restarting.
func (e *HTTPError) Transient() bool {
	return e.StatusCode/100 == 5
}

// IsTransient reports whether err is expected while the backup service is
// restarting: a 5xx answer or a failure to connect at all.
func IsTransient(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Transient()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
