package relay

import (
	"net/http"

	"github.com/okian/resonance/pkg/logger"
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l logger.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// ServerOption configures the websocket handler.
type ServerOption func(*server)

// WithAuthToken requires a matching bearer token on upgrade.
func WithAuthToken(token string) ServerOption {
	return func(s *server) { s.token = token }
}

// WithServerLogger sets the handler logger.
func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *server) {
		if l != nil {
			s.logger = l
		}
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientToken sends a bearer token on dial.
func WithClientToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHeader adds a header to the upgrade request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		if c.header == nil {
			c.header = make(http.Header)
		}
		c.header.Add(key, value)
	}
}
