package connectors

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// Default retry configuration shared by every resty-backed adapter.
const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// isRetryableResp retries on transport errors, 5xx, 429 and 408. Non-2xx
// application-level errors encoded in a 200 body are not retried here;
// callers classify those themselves.
func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}
