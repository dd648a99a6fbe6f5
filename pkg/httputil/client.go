// Package httputil holds the shared resty client setup for outbound API clients.
package httputil

import (
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultTimeout = 15 * time.Second
	UserAgent      = "zapinbox/1.0"
)

// NewClient returns a resty client rooted at baseURL. A zero timeout means
// DefaultTimeout. No retries are configured: callers send messages, which
// must not be posted twice.
func NewClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", UserAgent).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
}
