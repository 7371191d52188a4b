// Package transport holds the thin HTTP clients the collectors talk to: the
// managed device, the remote diagnostic service and the data pipeline.
package transport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	telemetry "github.com/ahmed-com/telemetry-agent"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "telemetry-agent"
)

// StatusError reports an HTTP response outside the 2xx range
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Option configures a client
type Option func(*options)

type options struct {
	timeout   time.Duration
	transport http.RoundTripper
}

// WithTimeout overrides the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithTransport replaces the underlying round tripper
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

func newClient(baseURL string, opts []Option) *resty.Client {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if o.transport != nil {
		client.SetTransport(o.transport)
	}
	return client
}

func insecureTLS(allowSelfSigned bool) *tls.Config {
	return &tls.Config{InsecureSkipVerify: allowSelfSigned} //nolint:gosec // opt-in per target
}

// classifyResponse maps a response to an error. 401 and 403 are terminal for
// the cycle since retrying with the same credentials cannot succeed.
func classifyResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}

	err := &StatusError{
		StatusCode: code,
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
		Body:       truncate(resp.String(), 512),
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return telemetry.NonRetryable(err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
