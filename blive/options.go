package blive

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Option configures a Client.
type Option func(*Client)

// WithCookies sets the raw Cookie header sent with every API request.
// Authenticated requests are rate-limited less aggressively.
func WithCookies(header string) Option {
	return func(c *Client) {
		c.cookies = header
	}
}

// WithHTTPClient overrides the default HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithLogger sets the client logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}
