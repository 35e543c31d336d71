// Package protocolclient implements the Interactsh v1 wire protocol for a
// single server: registration, background polling, on-demand polling, URL
// minting, and deregistration.
package protocolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	enginecrypto "github.com/R3E-Network/interactsh-engine/infrastructure/crypto"
	engineerrors "github.com/R3E-Network/interactsh-engine/infrastructure/errors"
	"github.com/R3E-Network/interactsh-engine/infrastructure/httputil"
	"github.com/R3E-Network/interactsh-engine/infrastructure/logging"
	"github.com/R3E-Network/interactsh-engine/infrastructure/metrics"
	"github.com/R3E-Network/interactsh-engine/infrastructure/resilience"
	"github.com/R3E-Network/interactsh-engine/internal/wire"
	"github.com/R3E-Network/interactsh-engine/pkg/version"
)

// State is a Protocol Client's lifecycle state.
type State int

const (
	Idle State = iota
	Polling
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultPollingIntervalMs = 5000
	minPollingIntervalMs     = 5000
	maxPollingIntervalMs     = 3600000
	defaultCorrelationIDLen  = 20
	defaultSecretKeyLen      = 13

	// maxResponseBodyBytes bounds how much of a server response doRequest will
	// buffer. Poll responses carry batched interactions and can legitimately
	// be large, but an unbounded read leaves the client open to a malicious
	// or misbehaving server exhausting memory.
	maxResponseBodyBytes = 32 << 20 // 32 MiB
)

// Config configures one Protocol Client, scoped to a single server.
type Config struct {
	ServerURL           string
	Token               string
	PollingIntervalMs   int
	CorrelationIDLength int
	// SecretKeyLength is the wire protocol's correlation_id_nonce_length:
	// it sizes both the registered secret key and every generate_url nonce.
	SecretKeyLength int
	HTTPTimeout     time.Duration

	KeyPair *enginecrypto.KeyPair
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// PollLimiter, when set, rate-limits ForcePoll so a caller cannot drive
	// more poll round trips than the configured interval allows.
	PollLimiter *rate.Limiter

	// AllowInsecure permits a plain-http ServerURL. Interactsh servers are
	// always addressed over https in production; this exists only so
	// tests can point a client at an httptest.Server.
	AllowInsecure bool

	OnInteraction    func(ctx context.Context, serverURL string, rawJSON []byte)
	OnSessionExpired func(serverURL string)
}

func (c *Config) applyDefaults() error {
	if c.PollingIntervalMs == 0 {
		c.PollingIntervalMs = defaultPollingIntervalMs
	} else if c.PollingIntervalMs < minPollingIntervalMs || c.PollingIntervalMs > maxPollingIntervalMs {
		return engineerrors.InvalidPollingInterval(c.PollingIntervalMs)
	}
	if c.CorrelationIDLength == 0 {
		c.CorrelationIDLength = defaultCorrelationIDLen
	}
	if c.SecretKeyLength == 0 {
		c.SecretKeyLength = defaultSecretKeyLen
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return nil
}

// Client implements the Interactsh wire protocol against one server.
type Client struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string
	serverHost string

	keyPair *enginecrypto.KeyPair

	mu            sync.Mutex
	state         State
	correlationID string
	secretKey     string

	pollMu     sync.Mutex
	cancelPoll chan struct{}
	pollDone   chan struct{}

	// pollRoundMu serializes pollOnce between the background pollLoop
	// goroutine and ForcePoll, so at most one /poll round trip to the
	// server is ever in flight for this client.
	pollRoundMu sync.Mutex
}

// NewSession constructs a Protocol Client by generating fresh credentials
// and registering them with the server. The returned client is Idle.
func NewSession(ctx context.Context, cfg Config) (*Client, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	correlationID, err := enginecrypto.GenerateRandomID(client.cfg.CorrelationIDLength, false)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.ErrCodeKeysNotInitialized, "failed to generate correlation id", err)
	}
	secretKey, err := enginecrypto.GenerateRandomID(client.cfg.SecretKeyLength, false)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.ErrCodeKeysNotInitialized, "failed to generate secret key", err)
	}

	if err := client.register(ctx, correlationID, secretKey); err != nil {
		return nil, err
	}

	client.correlationID = correlationID
	client.secretKey = secretKey
	return client, nil
}

// ResumeSession reattaches to a server-side session registered in a prior
// process lifetime using the same RSA key. No /register round trip is made.
func ResumeSession(cfg Config, correlationID, secretKey string) (*Client, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	client.correlationID = correlationID
	client.secretKey = secretKey
	return client, nil
}

func newClient(cfg Config) (*Client, error) {
	if cfg.KeyPair == nil {
		return nil, engineerrors.KeysNotInitialized()
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	defaults := httputil.DefaultClientDefaults()
	defaults.RequireHTTPS = !cfg.AllowInsecure

	httpClient, baseURL, err := httputil.NewClientWithBaseURL(
		httputil.ClientConfig{
			BaseURL:    cfg.ServerURL,
			Timeout:    cfg.HTTPTimeout,
			HTTPClient: &http.Client{Transport: httputil.DefaultTransportWithMinTLS12()},
		},
		defaults,
	)
	if err != nil {
		return nil, fmt.Errorf("protocolclient: %w", err)
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("protocolclient: %w", err)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		baseURL:    baseURL,
		serverHost: parsed.Host,
		keyPair:    cfg.KeyPair,
		state:      Idle,
	}, nil
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerURL returns the normalized server base URL this client talks to.
func (c *Client) ServerURL() string {
	return c.baseURL
}

// CorrelationID returns the session's correlation id, for persistence.
func (c *Client) CorrelationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlationID
}

// SecretKey returns the session's secret key, for persistence.
func (c *Client) SecretKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secretKey
}

// Token returns the bearer token configured for this client, if any.
func (c *Client) Token() string {
	return c.cfg.Token
}

func (c *Client) register(ctx context.Context, correlationID, secretKey string) error {
	pubKey, err := c.keyPair.ExportPublicKeyPEM()
	if err != nil {
		return err
	}

	body, err := json.Marshal(wire.RegisterRequest{
		PublicKey:     string(pubKey),
		SecretKey:     secretKey,
		CorrelationID: correlationID,
	})
	if err != nil {
		return engineerrors.RegistrationFailed(err.Error())
	}

	resp, respBody, err := c.doRequest(ctx, http.MethodPost, "/register", body)
	if err != nil {
		c.recordRegistration(err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		regErr := engineerrors.RegistrationFailed(string(respBody))
		c.recordRegistration(regErr)
		c.cfg.Logger.LogRegistration(ctx, c.baseURL, correlationID, regErr)
		return regErr
	}

	c.recordRegistration(nil)
	c.cfg.Logger.LogRegistration(ctx, c.baseURL, correlationID, nil)
	return nil
}

func (c *Client) recordRegistration(err error) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRegistration(c.baseURL, err)
	}
}

// StartPolling transitions the client to Polling and starts the background
// polling loop as a cooperatively scheduled goroutine.
func (c *Client) StartPolling(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return engineerrors.ClientClosed()
	case Polling:
		c.mu.Unlock()
		return engineerrors.ClientAlreadyPolling()
	}
	c.state = Polling
	c.mu.Unlock()

	c.pollMu.Lock()
	c.cancelPoll = make(chan struct{})
	c.pollDone = make(chan struct{})
	cancel := c.cancelPoll
	done := c.pollDone
	c.pollMu.Unlock()

	go c.pollLoop(ctx, cancel, done)
	return nil
}

// StopPolling idempotently cancels the polling loop and waits for any
// in-flight iteration to finish before returning. A no-op when not Polling.
func (c *Client) StopPolling() {
	c.mu.Lock()
	if c.state != Polling {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.pollMu.Lock()
	cancel := c.cancelPoll
	done := c.pollDone
	c.pollMu.Unlock()

	if cancel == nil {
		return
	}
	select {
	case <-cancel:
	default:
		close(cancel)
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	if c.state == Polling {
		c.state = Idle
	}
	c.mu.Unlock()
}

func (c *Client) pollLoop(ctx context.Context, cancel, done chan struct{}) {
	defer close(done)

	interval := time.Duration(c.cfg.PollingIntervalMs) * time.Millisecond
	for {
		c.pollRoundMu.Lock()
		err := c.pollOnce(ctx)
		c.pollRoundMu.Unlock()
		if engineerrors.Is(err, engineerrors.ErrCodeSessionExpired) {
			c.transitionToIdleAfterExpiry()
			if c.cfg.OnSessionExpired != nil {
				c.cfg.OnSessionExpired(c.baseURL)
			}
			return
		}

		select {
		case <-cancel:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Client) transitionToIdleAfterExpiry() {
	c.mu.Lock()
	if c.state == Polling {
		c.state = Idle
	}
	c.mu.Unlock()
}

// ForcePoll runs one poll iteration immediately. Valid only in Polling
// state. It shares pollRoundMu with the background pollLoop, so a forced
// poll either runs before or after the loop's in-flight iteration, never
// concurrently with it. Unlike the background loop, SessionExpired is
// propagated to the caller rather than routed through the onSessionExpired
// callback, so a Multi-Server Manager driving poll(notify) can collect and
// remove expired clients itself.
func (c *Client) ForcePoll(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Polling {
		c.mu.Unlock()
		return engineerrors.ClientNotPolling()
	}
	c.mu.Unlock()

	if c.cfg.PollLimiter != nil {
		if err := c.cfg.PollLimiter.Wait(ctx); err != nil {
			return engineerrors.TransientPollError(err)
		}
	}

	c.pollRoundMu.Lock()
	err := c.pollOnce(ctx)
	c.pollRoundMu.Unlock()
	if engineerrors.Is(err, engineerrors.ErrCodeSessionExpired) {
		c.transitionToIdleAfterExpiry()
	}
	return err
}

// pollOnce issues one GET /poll and processes the response per the wire
// protocol's response taxonomy.
func (c *Client) pollOnce(ctx context.Context) error {
	start := time.Now()

	path := fmt.Sprintf("/poll?id=%s&secret=%s", url.QueryEscape(c.CorrelationID()), url.QueryEscape(c.SecretKey()))
	resp, body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	duration := time.Since(start)

	if err != nil {
		transientErr := engineerrors.TransientPollError(err)
		c.recordPoll(0, duration, transientErr)
		c.cfg.Logger.LogPoll(ctx, c.baseURL, 0, duration, transientErr)
		return transientErr
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return c.handlePollSuccess(ctx, body, duration)
	case http.StatusUnauthorized:
		authErr := engineerrors.AuthFailure()
		c.recordPoll(0, duration, authErr)
		c.cfg.Logger.LogPoll(ctx, c.baseURL, 0, duration, authErr)
		return authErr
	case http.StatusBadRequest:
		expiredErr := engineerrors.SessionExpired()
		c.recordPoll(0, duration, expiredErr)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordSessionExpiration(c.baseURL)
		}
		c.cfg.Logger.LogSessionExpired(ctx, c.baseURL)
		return expiredErr
	default:
		transientErr := engineerrors.TransientPollError(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
		c.recordPoll(0, duration, transientErr)
		c.cfg.Logger.LogPoll(ctx, c.baseURL, 0, duration, transientErr)
		return transientErr
	}
}

func (c *Client) handlePollSuccess(ctx context.Context, body []byte, duration time.Duration) error {
	var pollResp wire.PollResponse
	if err := json.Unmarshal(body, &pollResp); err != nil {
		transientErr := engineerrors.TransientPollError(err)
		c.recordPoll(0, duration, transientErr)
		c.cfg.Logger.LogPoll(ctx, c.baseURL, 0, duration, transientErr)
		return transientErr
	}

	for _, secureMessage := range pollResp.Data {
		plaintext, err := c.keyPair.DecryptInteraction(pollResp.AESKey, secureMessage)
		if err != nil {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordDecryptFailure(c.baseURL)
			}
			c.cfg.Logger.LogDecryptFailure(ctx, c.baseURL, err)
			continue
		}
		if c.cfg.OnInteraction != nil {
			c.cfg.OnInteraction(ctx, c.baseURL, []byte(plaintext))
		}
	}

	c.recordPoll(len(pollResp.Data), duration, nil)
	c.cfg.Logger.LogPoll(ctx, c.baseURL, len(pollResp.Data), duration, nil)
	return nil
}

func (c *Client) recordPoll(itemCount int, duration time.Duration, err error) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPoll(c.baseURL, itemCount, duration, err)
	}
}

// GenerateURL mints a fresh subdomain bound to this client's session. Valid
// whenever the client is not Closed and already holds a correlation id.
func (c *Client) GenerateURL() (fullURL, uniqueID string, err error) {
	c.mu.Lock()
	state := c.state
	correlationID := c.correlationID
	c.mu.Unlock()

	if state == Closed {
		return "", "", engineerrors.ClientClosed()
	}
	if correlationID == "" {
		return "", "", engineerrors.KeysNotInitialized()
	}

	nonce, err := enginecrypto.GenerateRandomID(c.cfg.SecretKeyLength, false)
	if err != nil {
		return "", "", engineerrors.Wrap(engineerrors.ErrCodeKeysNotInitialized, "failed to generate url nonce", err)
	}

	uniqueID = correlationID + nonce
	fullURL = fmt.Sprintf("https://%s.%s", uniqueID, c.serverHost)
	return fullURL, uniqueID, nil
}

// Close deregisters the session. Per the protocol's canonical rule, the
// state only transitions to Closed on a successful round trip; a failure
// leaves the client in Idle so the caller may retry.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Polling:
		c.mu.Unlock()
		return engineerrors.ClientAlreadyPolling()
	case Closed:
		c.mu.Unlock()
		return engineerrors.ClientClosed()
	}
	correlationID, secretKey := c.correlationID, c.secretKey
	c.mu.Unlock()

	body, err := json.Marshal(wire.DeregisterRequest{CorrelationID: correlationID, SecretKey: secretKey})
	if err != nil {
		return engineerrors.DeregistrationFailed(err.Error())
	}

	resp, respBody, err := c.doRequest(ctx, http.MethodPost, "/deregister", body)
	if err != nil {
		c.recordDeregistration(err)
		return engineerrors.DeregistrationFailed(err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		deregErr := engineerrors.DeregistrationFailed(string(respBody))
		c.recordDeregistration(deregErr)
		c.cfg.Logger.LogDeregistration(ctx, c.baseURL, correlationID, deregErr)
		return deregErr
	}

	c.recordDeregistration(nil)
	c.cfg.Logger.LogDeregistration(ctx, c.baseURL, correlationID, nil)

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	return nil
}

func (c *Client) recordDeregistration(err error) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordDeregistration(c.baseURL, err)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	buildRequest := func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", version.UserAgent())
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", c.cfg.Token)
		}
		return req, nil
	}

	var resp *http.Response
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.InitialDelay = 50 * time.Millisecond

	err := resilience.Retry(ctx, retryCfg, func() error {
		req, buildErr := buildRequest()
		if buildErr != nil {
			return buildErr
		}
		var doErr error
		resp, doErr = c.httpClient.Do(req)
		return doErr
	})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, maxResponseBodyBytes)
	if err != nil {
		return resp, nil, err
	}
	return resp, respBody, nil
}
