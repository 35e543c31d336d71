package httputil

import (
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// HTTP Client Configuration
// =============================================================================

// ClientConfig holds standard client configuration used by every Interactsh
// server client. This eliminates duplication of client creation logic across
// the protocol client and any future transport.
type ClientConfig struct {
	// BaseURL is the Interactsh server base URL (will be normalized).
	BaseURL string

	// Timeout is the request timeout. Zero means use default.
	Timeout time.Duration

	// HTTPClient is the base HTTP client to use. If nil, a default client
	// is created.
	HTTPClient *http.Client
}

// ClientDefaults holds default values for client configuration.
type ClientDefaults struct {
	Timeout          time.Duration
	NormalizeBaseURL bool
	RequireHTTPS     bool
}

// DefaultClientDefaults returns standard default values.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:          10 * time.Second,
		NormalizeBaseURL: true,
		RequireHTTPS:     true,
	}
}

// =============================================================================
// Client Creation Helper
// =============================================================================

// NewClient creates an HTTP client with standardized timeout handling.
func NewClient(cfg ClientConfig, defaults ClientDefaults) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	forceTimeout := cfg.Timeout != 0

	return CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, forceTimeout)
}

// NewClientWithBaseURL creates a client with base URL normalization. This is
// the standard way every ProtocolClient builds its transport. Returns the
// HTTP client and the normalized base URL.
func NewClientWithBaseURL(cfg ClientConfig, defaults ClientDefaults) (*http.Client, string, error) {
	normalizedURL := cfg.BaseURL
	if defaults.NormalizeBaseURL {
		normalized, _, err := NormalizeServerURL(cfg.BaseURL, defaults.RequireHTTPS)
		if err != nil {
			return nil, "", fmt.Errorf("normalize base URL: %w", err)
		}
		normalizedURL = normalized
	}

	client := NewClient(ClientConfig{
		BaseURL:    normalizedURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, defaults)

	return client, normalizedURL, nil
}
