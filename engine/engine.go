// Package engine is the external interface facade for the Interaction
// Client Engine: a thin, typed surface over the manager that a host
// application (CLI, desktop shell, or another service) embeds directly.
package engine

import (
	"context"
	"time"

	"github.com/R3E-Network/interactsh-engine/infrastructure/config"
	"github.com/R3E-Network/interactsh-engine/infrastructure/logging"
	"github.com/R3E-Network/interactsh-engine/infrastructure/metrics"
	"github.com/R3E-Network/interactsh-engine/infrastructure/state"
	"github.com/R3E-Network/interactsh-engine/internal/manager"
	"github.com/R3E-Network/interactsh-engine/internal/persistence"
)

// ActiveUrl re-exports the manager's ActiveUrl so callers never import
// internal/manager directly.
type ActiveUrl = manager.ActiveUrl

// Interaction re-exports the manager's Interaction record.
type Interaction = manager.Interaction

// Status re-exports the manager's point-in-time status snapshot.
type Status = manager.Status

// Events is the set of callbacks a host receives on state changes.
type Events = manager.Events

// Options configures a new Engine.
type Options struct {
	// MasterKey encrypts the persisted keypair and session records at rest.
	// Required, and must be exactly 32 bytes.
	MasterKey []byte

	// Backend is the durable key-value store sessions and the keypair are
	// saved to. Defaults to an in-memory backend, which does not survive a
	// restart; production callers should supply a real backend.
	Backend state.PersistenceBackend

	// Token is the bearer token sent with every request to every server,
	// when the deployment requires authenticated Interactsh servers.
	Token string

	PollingIntervalMs   int
	CorrelationIDLength int
	SecretKeyLength     int
	HTTPTimeout         time.Duration

	// AllowInsecure permits plain-http server URLs. Leave false in production.
	AllowInsecure bool

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Events  Events
}

// applyEnvDefaults fills any zero-valued timing fields from the environment,
// matching the defaults EngineConfigFromEnv documents.
func (o *Options) applyEnvDefaults() {
	envCfg := config.EngineConfigFromEnv()
	if o.PollingIntervalMs == 0 {
		o.PollingIntervalMs = envCfg.PollingIntervalMs
	}
	if o.CorrelationIDLength == 0 {
		o.CorrelationIDLength = envCfg.CorrelationIDLen
	}
	if o.SecretKeyLength == 0 {
		o.SecretKeyLength = envCfg.SecretKeyLen
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = envCfg.HTTPTimeout
	}
}

// Engine is the host-facing handle on one running Interaction Client Engine
// instance. All operations are safe for concurrent use.
type Engine struct {
	m *manager.Manager
}

// New constructs an Engine. It does not start polling or load the keypair;
// call Start for that.
func New(opts Options) (*Engine, error) {
	opts.applyEnvDefaults()

	backend := opts.Backend
	if backend == nil {
		backend = state.NewMemoryBackend(0)
	}

	store, err := persistence.NewStore(persistence.Config{
		Backend:   backend,
		MasterKey: opts.MasterKey,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{m: manager.New(store, opts.Logger, opts.Metrics, opts.Events)}, nil
}

func (e *Engine) managerConfig(opts Options) manager.Config {
	return manager.Config{
		Token:               opts.Token,
		PollingIntervalMs:   opts.PollingIntervalMs,
		CorrelationIDLength: opts.CorrelationIDLength,
		SecretKeyLength:     opts.SecretKeyLength,
		HTTPTimeout:         opts.HTTPTimeout,
		AllowInsecure:       opts.AllowInsecure,
	}
}

// Start loads or generates the process-wide keypair and resumes every
// persisted session. opts carries the same timing/token defaults the
// engine applies to every Protocol Client it subsequently constructs.
func (e *Engine) Start(ctx context.Context, opts Options) error {
	opts.applyEnvDefaults()
	return e.m.Start(ctx, e.managerConfig(opts))
}

// Stop stops every Protocol Client's polling loop and deregisters it.
func (e *Engine) Stop(ctx context.Context) error {
	return e.m.Stop(ctx)
}

// GenerateURL mints a fresh disposable subdomain on serverURL, lazily
// registering a session there if one does not already exist.
func (e *Engine) GenerateURL(ctx context.Context, serverURL, tag string) (fullURL, uniqueID string, err error) {
	return e.m.GenerateURL(ctx, serverURL, tag)
}

// InitializeClients eagerly registers a session on every given server URL in
// parallel, so the first GenerateURL call against any of them is immediate.
// Returns the number of servers that initialized successfully.
func (e *Engine) InitializeClients(ctx context.Context, serverURLs []string) int {
	return e.m.InitializeClients(ctx, serverURLs)
}

// Poll forces an immediate poll of every registered server. notify controls
// whether Events.DataChanged fires if the interaction log grew.
func (e *Engine) Poll(ctx context.Context, notify bool) {
	e.m.Poll(ctx, notify)
}

// GetInteractions returns a snapshot of the full interaction log.
func (e *Engine) GetInteractions() []Interaction { return e.m.GetInteractions() }

// GetNewInteractions returns interactions appended since sinceIndex.
func (e *Engine) GetNewInteractions(sinceIndex int) []Interaction {
	return e.m.GetNewInteractions(sinceIndex)
}

// DeleteInteraction removes one interaction by unique_id, returning the
// number removed (0 or 1).
func (e *Engine) DeleteInteraction(uid string) int { return e.m.DeleteInteraction(uid) }

// DeleteInteractions removes the named interactions, returning the count
// actually removed.
func (e *Engine) DeleteInteractions(uids []string) int { return e.m.DeleteInteractions(uids) }

// ClearInteractions empties the interaction log.
func (e *Engine) ClearInteractions() { e.m.ClearInteractions() }

// ClearUrls empties the ActiveUrl registry.
func (e *Engine) ClearUrls() { e.m.ClearUrls() }

// ClearAllData clears interactions and URLs and resets the interaction
// counter.
func (e *Engine) ClearAllData() { e.m.ClearAllData() }

// GetActiveUrls returns a snapshot of the ActiveUrl registry.
func (e *Engine) GetActiveUrls() []ActiveUrl { return e.m.GetActiveUrls() }

// SetUrlActive toggles an ActiveUrl's is_active flag.
func (e *Engine) SetUrlActive(uniqueID string, active bool) bool {
	return e.m.SetUrlActive(uniqueID, active)
}

// RemoveUrl removes one ActiveUrl by unique_id.
func (e *Engine) RemoveUrl(uniqueID string) bool { return e.m.RemoveUrl(uniqueID) }

// GetClientCount returns the number of registered Protocol Clients.
func (e *Engine) GetClientCount() int { return e.m.GetClientCount() }

// SetFilter stores an opaque, host-interpreted filter string.
func (e *Engine) SetFilter(filter string) { e.m.SetFilter(filter) }

// GetFilter returns the stored filter string.
func (e *Engine) GetFilter() string { return e.m.GetFilter() }

// SetFilterEnabled toggles whether the host-owned filter is active.
func (e *Engine) SetFilterEnabled(enabled bool) { e.m.SetFilterEnabled(enabled) }

// GetFilterEnabled reports whether the host-owned filter is active.
func (e *Engine) GetFilterEnabled() bool { return e.m.GetFilterEnabled() }

// SetInteractionTag mutates a stored interaction's tag.
func (e *Engine) SetInteractionTag(uid, tag string) bool { return e.m.SetInteractionTag(uid, tag) }

// SetSelectedRowID stores the session-only selected row.
func (e *Engine) SetSelectedRowID(uid string) { e.m.SetSelectedRowID(uid) }

// GetSelectedRowID returns the session-only selected row.
func (e *Engine) GetSelectedRowID() string { return e.m.GetSelectedRowID() }

// GetStatus returns the engine's current status snapshot.
func (e *Engine) GetStatus() Status { return e.m.GetStatus() }
