// Package manager implements the Multi-Server Manager: it owns every
// Protocol Client's lifecycle, the ActiveUrl registry, and the interaction
// log, and attributes decrypted interactions to the URL that minted them.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	enginecrypto "github.com/R3E-Network/interactsh-engine/infrastructure/crypto"
	engineerrors "github.com/R3E-Network/interactsh-engine/infrastructure/errors"
	"github.com/R3E-Network/interactsh-engine/infrastructure/logging"
	"github.com/R3E-Network/interactsh-engine/infrastructure/metrics"
	"github.com/R3E-Network/interactsh-engine/internal/persistence"
	"github.com/R3E-Network/interactsh-engine/internal/protocolclient"
	"github.com/R3E-Network/interactsh-engine/internal/wire"
)

// ActiveUrl is a minted subdomain the engine is listening for.
type ActiveUrl struct {
	URL       string    `json:"url"`
	UniqueID  string    `json:"unique_id"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
	ServerURL string    `json:"server_url"`
	Tag       string    `json:"tag,omitempty"`
}

// Interaction is an observed external hit, attributed to the ActiveUrl that
// minted the subdomain it arrived on.
type Interaction struct {
	UniqueID      string `json:"unique_id"`
	FullID        string `json:"full_id"`
	Protocol      string `json:"protocol"`
	QType         string `json:"q_type,omitempty"`
	RawRequest    string `json:"raw_request,omitempty"`
	RawResponse   string `json:"raw_response,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
	Timestamp     string `json:"timestamp"`
	Tag           string `json:"tag,omitempty"`
	ServerURL     string `json:"server_url"`
}

// Config configures the manager's engine-wide defaults, applied to every
// Protocol Client it constructs.
type Config struct {
	Token               string
	PollingIntervalMs   int
	CorrelationIDLength int
	SecretKeyLength     int
	HTTPTimeout         time.Duration

	// AllowInsecure permits plain-http server URLs; production callers
	// leave this false since Interactsh servers are always https.
	AllowInsecure bool
}

// Events is the set of callbacks the manager invokes to notify a host of
// state changes. Each is optional; a nil callback is simply not invoked.
type Events struct {
	DataChanged          func()
	UrlGenerated         func(url string)
	FilterChanged        func(filter string)
	FilterEnabledChanged func(enabled bool)
	UrlsChanged          func()
	RowSelected          func(uid string)
}

// Manager owns every Protocol Client, the ActiveUrl registry, and the
// interaction log for one engine instance.
type Manager struct {
	store   *persistence.Store
	log     *logging.Logger
	metrics *metrics.Metrics
	events  Events

	mu             sync.Mutex
	started        bool
	cfg            Config
	keyPair        *enginecrypto.KeyPair
	clients        map[string]*protocolclient.Client
	activeURLs     []ActiveUrl
	interactions   []Interaction
	interactionSeq int
	filter         string
	filterEnabled  bool
	selectedRowID  string
}

// New constructs a Manager. The store is required; events may be the zero
// value if the host does not need notifications.
func New(store *persistence.Store, log *logging.Logger, m *metrics.Metrics, events Events) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		store:   store,
		log:     log,
		metrics: m,
		events:  events,
		clients: make(map[string]*protocolclient.Client),
	}
}

// Start loads or generates the process-wide keypair and attempts to resume
// every persisted session. A restore failure for one session never blocks
// the others; the failing session is deleted from persistence.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return engineerrors.AlreadyStarted()
	}
	m.cfg = cfg
	m.mu.Unlock()

	kp, resumed, err := m.store.LoadOrGenerateKeyPair(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.keyPair = kp
	m.started = true
	m.mu.Unlock()

	if !resumed {
		return nil
	}

	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		return nil
	}

	for _, session := range sessions {
		if restoreErr := m.restoreSession(ctx, session); restoreErr != nil {
			m.log.Warn(ctx, "failed to restore session, deleting from persistence", map[string]interface{}{
				"server_url": session.ServerURL,
				"error":      restoreErr.Error(),
			})
			_ = m.store.DeleteSession(ctx, session.ServerURL)
		}
	}

	m.restoreEngineState(ctx)

	return nil
}

// restoreEngineState reloads the persisted interaction log, ActiveUrl
// registry, interaction counter, and filter. A missing or corrupted record
// leaves the Manager's zero-value state in place, matching session restore's
// "absent means start fresh" behavior.
func (m *Manager) restoreEngineState(ctx context.Context) {
	st, ok, err := m.store.LoadEngineState(ctx)
	if err != nil || !ok {
		return
	}

	var interactions []Interaction
	if len(st.Interactions) > 0 {
		if unmarshalErr := json.Unmarshal(st.Interactions, &interactions); unmarshalErr != nil {
			m.log.WithError(unmarshalErr).Warn("failed to unmarshal persisted interactions, starting empty")
			interactions = nil
		}
	}

	var activeURLs []ActiveUrl
	if len(st.ActiveUrls) > 0 {
		if unmarshalErr := json.Unmarshal(st.ActiveUrls, &activeURLs); unmarshalErr != nil {
			m.log.WithError(unmarshalErr).Warn("failed to unmarshal persisted active urls, starting empty")
			activeURLs = nil
		}
	}

	m.mu.Lock()
	m.interactions = interactions
	m.activeURLs = activeURLs
	m.interactionSeq = st.InteractionCounter
	m.filter = st.Filter
	m.filterEnabled = st.FilterEnabled
	m.mu.Unlock()
}

// persistEngineState writes a snapshot of the interaction log, ActiveUrl
// registry, interaction counter, and filter to the store. Every mutator
// that changes one of these fields calls this afterward so the persisted
// record never drifts from what GetInteractions/GetActiveUrls would return.
// A write failure is logged, not returned, since every mutator's caller
// already observes the in-memory state change regardless of persistence.
func (m *Manager) persistEngineState(ctx context.Context) {
	m.mu.Lock()
	interactions := make([]Interaction, len(m.interactions))
	copy(interactions, m.interactions)
	activeURLs := make([]ActiveUrl, len(m.activeURLs))
	copy(activeURLs, m.activeURLs)
	counter := m.interactionSeq
	filter := m.filter
	filterEnabled := m.filterEnabled
	m.mu.Unlock()

	interactionsJSON, err := json.Marshal(interactions)
	if err != nil {
		m.log.WithError(err).Warn("failed to marshal interactions for persistence")
		return
	}
	activeURLsJSON, err := json.Marshal(activeURLs)
	if err != nil {
		m.log.WithError(err).Warn("failed to marshal active urls for persistence")
		return
	}

	if err := m.store.SaveEngineState(ctx, persistence.EngineState{
		Interactions:       interactionsJSON,
		ActiveUrls:         activeURLsJSON,
		InteractionCounter: counter,
		Filter:             filter,
		FilterEnabled:      filterEnabled,
	}); err != nil {
		m.log.WithError(err).Warn("failed to persist engine state")
	}
}

func (m *Manager) restoreSession(ctx context.Context, session persistence.Session) error {
	client, err := protocolclient.ResumeSession(m.clientConfig(session.ServerURL, session.Token), session.CorrelationID, session.SecretKey)
	if err != nil {
		return err
	}
	if err := client.StartPolling(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[client.ServerURL()] = client
	m.mu.Unlock()
	m.setActiveClientsGauge()
	return nil
}

func (m *Manager) clientConfig(serverURL, token string) protocolclient.Config {
	m.mu.Lock()
	cfg := m.cfg
	kp := m.keyPair
	m.mu.Unlock()

	return protocolclient.Config{
		ServerURL:           serverURL,
		Token:               token,
		PollingIntervalMs:   cfg.PollingIntervalMs,
		CorrelationIDLength: cfg.CorrelationIDLength,
		SecretKeyLength:     cfg.SecretKeyLength,
		HTTPTimeout:         cfg.HTTPTimeout,
		KeyPair:             kp,
		Logger:              m.log,
		Metrics:             m.metrics,
		PollLimiter:         rate.NewLimiter(rate.Every(minPollInterval(cfg.PollingIntervalMs)), 1),
		OnInteraction:       m.onInteraction,
		OnSessionExpired:    m.onSessionExpired,
		AllowInsecure:       cfg.AllowInsecure,
	}
}

func minPollInterval(ms int) time.Duration {
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// Stop stops every client's polling loop, closes each one, and empties the
// clients map. Per-client failures are logged but never abort the others.
// Idempotent: calling Stop when not started is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	clients := make([]*protocolclient.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.StopPolling()
		if err := c.Close(ctx); err != nil {
			m.log.Warn(ctx, "failed to close client during stop", map[string]interface{}{
				"server_url": c.ServerURL(),
				"error":      err.Error(),
			})
		}
	}

	m.mu.Lock()
	m.clients = make(map[string]*protocolclient.Client)
	m.started = false
	m.mu.Unlock()
	m.setActiveClientsGauge()
	return nil
}

// GenerateURL mints a fresh subdomain on server_url, lazily registering a
// Protocol Client for it if one does not already exist.
func (m *Manager) GenerateURL(ctx context.Context, serverURL, tag string) (fullURL, uniqueID string, err error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return "", "", engineerrors.NotStarted()
	}
	m.mu.Unlock()

	client, err := m.clientFor(ctx, serverURL)
	if err != nil {
		return "", "", err
	}

	fullURL, uniqueID, err = client.GenerateURL()
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	m.activeURLs = append(m.activeURLs, ActiveUrl{
		URL:       fullURL,
		UniqueID:  uniqueID,
		CreatedAt: time.Now(),
		IsActive:  true,
		ServerURL: client.ServerURL(),
		Tag:       tag,
	})
	m.mu.Unlock()
	m.persistEngineState(ctx)

	if m.events.UrlGenerated != nil {
		m.events.UrlGenerated(fullURL)
	}
	if m.events.UrlsChanged != nil {
		m.events.UrlsChanged()
	}

	return fullURL, uniqueID, nil
}

func (m *Manager) clientFor(ctx context.Context, serverURL string) (*protocolclient.Client, error) {
	m.mu.Lock()
	if existing, ok := m.clients[serverURL]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	m.mu.Lock()
	token := m.cfg.Token
	m.mu.Unlock()

	client, err := protocolclient.NewSession(ctx, m.clientConfig(serverURL, token))
	if err != nil {
		return nil, err
	}

	if err := m.store.SaveSession(ctx, persistence.Session{
		ServerURL:     client.ServerURL(),
		CorrelationID: client.CorrelationID(),
		SecretKey:     client.SecretKey(),
		Token:         client.Token(),
	}); err != nil {
		return nil, err
	}

	if err := client.StartPolling(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.clients[client.ServerURL()] = client
	m.mu.Unlock()
	m.setActiveClientsGauge()

	return client, nil
}

// InitializeClients eagerly constructs and registers a Protocol Client for
// every URL in parallel, so the first mint on any of them is instantaneous.
// Per-URL failures are logged and do not abort the batch; the returned
// count is the number of successful initializations.
func (m *Manager) InitializeClients(ctx context.Context, serverURLs []string) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for _, serverURL := range serverURLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if _, err := m.clientFor(ctx, url); err != nil {
				m.log.Warn(ctx, "failed to initialize client", map[string]interface{}{
					"server_url": url,
					"error":      err.Error(),
				})
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}(serverURL)
	}
	wg.Wait()
	return successes
}

// Poll calls ForcePoll on every client; expired clients are collected and
// removed post-iteration. Emits DataChanged if notify is set and the
// interaction log grew.
func (m *Manager) Poll(ctx context.Context, notify bool) {
	m.mu.Lock()
	clients := make([]*protocolclient.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	beforeLen := len(m.interactions)
	m.mu.Unlock()

	var expired []string
	for _, c := range clients {
		err := c.ForcePoll(ctx)
		if engineerrors.Is(err, engineerrors.ErrCodeSessionExpired) {
			expired = append(expired, c.ServerURL())
		}
	}

	for _, serverURL := range expired {
		m.removeExpiredClient(ctx, serverURL)
	}

	if notify {
		m.mu.Lock()
		grew := len(m.interactions) > beforeLen
		m.mu.Unlock()
		if grew && m.events.DataChanged != nil {
			m.events.DataChanged()
		}
	}
}

func (m *Manager) removeExpiredClient(ctx context.Context, serverURL string) {
	m.mu.Lock()
	delete(m.clients, serverURL)
	m.mu.Unlock()
	_ = m.store.DeleteSession(ctx, serverURL)
	m.setActiveClientsGauge()
}

func (m *Manager) onSessionExpired(serverURL string) {
	m.removeExpiredClient(context.Background(), serverURL)
}

// onInteraction is registered as every Protocol Client's interaction
// callback. It attributes a decrypted interaction to the most recently
// minted active ActiveUrl whose unique_id is a prefix of (or equal to)
// full_id, appends it to the log, persists, and emits DataChanged.
func (m *Manager) onInteraction(ctx context.Context, serverURL string, rawJSON []byte) {
	var item wire.Interaction
	if err := json.Unmarshal(rawJSON, &item); err != nil {
		m.log.WithError(err).Warn("failed to parse decrypted interaction payload")
		return
	}
	fullID := item.FullID
	if fullID == "" {
		fullID = item.UniqueID
	}

	m.mu.Lock()
	match := m.findActiveURLLocked(fullID)
	if match == nil {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordUnattributed(serverURL)
		}
		return
	}
	if !match.IsActive {
		m.mu.Unlock()
		return
	}

	m.interactionSeq++
	interaction := Interaction{
		UniqueID:      fmt.Sprintf("int_%d_%d", time.Now().UnixMilli(), m.interactionSeq),
		FullID:        fullID,
		Protocol:      strings.ToLower(item.Protocol),
		QType:         item.QType,
		RawRequest:    item.RawRequest,
		RawResponse:   item.RawResponse,
		RemoteAddress: item.RemoteAddress,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Tag:           match.Tag,
		ServerURL:     match.ServerURL,
	}
	m.interactions = append(m.interactions, interaction)
	m.mu.Unlock()
	m.persistEngineState(ctx)

	if m.metrics != nil {
		m.metrics.RecordInteraction(serverURL, interaction.Protocol)
	}
	m.log.LogInteraction(ctx, interaction.Protocol, interaction.UniqueID, serverURL)

	if m.events.DataChanged != nil {
		m.events.DataChanged()
	}
}

// findActiveURLLocked returns the most recently created active URL whose
// unique_id is a prefix of (or exactly equal to) fullID. Caller must hold m.mu.
func (m *Manager) findActiveURLLocked(fullID string) *ActiveUrl {
	var best *ActiveUrl
	for i := range m.activeURLs {
		candidate := &m.activeURLs[i]
		if fullID == candidate.UniqueID || strings.HasPrefix(fullID, candidate.UniqueID) {
			if best == nil || candidate.CreatedAt.After(best.CreatedAt) {
				best = candidate
			}
		}
	}
	return best
}

func (m *Manager) setActiveClientsGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	count := len(m.clients)
	m.mu.Unlock()
	m.metrics.SetActiveClients(count)
}

// GetInteractions returns a snapshot of the full interaction log.
func (m *Manager) GetInteractions() []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Interaction, len(m.interactions))
	copy(out, m.interactions)
	return out
}

// GetNewInteractions returns interactions appended since the given index.
func (m *Manager) GetNewInteractions(sinceIndex int) []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sinceIndex < 0 || sinceIndex >= len(m.interactions) {
		return nil
	}
	out := make([]Interaction, len(m.interactions)-sinceIndex)
	copy(out, m.interactions[sinceIndex:])
	return out
}

// DeleteInteraction removes one interaction by unique_id.
func (m *Manager) DeleteInteraction(uid string) int {
	return m.DeleteInteractions([]string{uid})
}

// DeleteInteractions removes the named interactions and emits DataChanged
// if any were actually removed.
func (m *Manager) DeleteInteractions(uids []string) int {
	toDelete := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		toDelete[uid] = struct{}{}
	}

	m.mu.Lock()
	out := m.interactions[:0]
	removed := 0
	for _, item := range m.interactions {
		if _, found := toDelete[item.UniqueID]; found {
			removed++
			continue
		}
		out = append(out, item)
	}
	m.interactions = out
	m.mu.Unlock()
	if removed > 0 {
		m.persistEngineState(context.Background())
	}

	if removed > 0 && m.events.DataChanged != nil {
		m.events.DataChanged()
	}
	return removed
}

// ClearInteractions empties the interaction log.
func (m *Manager) ClearInteractions() {
	m.mu.Lock()
	m.interactions = nil
	m.mu.Unlock()
	m.persistEngineState(context.Background())
	if m.events.DataChanged != nil {
		m.events.DataChanged()
	}
}

// ClearUrls empties the ActiveUrl registry.
func (m *Manager) ClearUrls() {
	m.mu.Lock()
	m.activeURLs = nil
	m.mu.Unlock()
	m.persistEngineState(context.Background())
	if m.events.UrlsChanged != nil {
		m.events.UrlsChanged()
	}
}

// ClearAllData clears interactions, URLs, and resets the interaction
// counter so the next minted interaction is numbered from the start.
func (m *Manager) ClearAllData() {
	m.mu.Lock()
	m.interactions = nil
	m.activeURLs = nil
	m.interactionSeq = 0
	m.mu.Unlock()
	m.persistEngineState(context.Background())

	if m.events.DataChanged != nil {
		m.events.DataChanged()
	}
	if m.events.UrlsChanged != nil {
		m.events.UrlsChanged()
	}
}

// GetActiveUrls returns a snapshot of the ActiveUrl registry.
func (m *Manager) GetActiveUrls() []ActiveUrl {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveUrl, len(m.activeURLs))
	copy(out, m.activeURLs)
	return out
}

// SetUrlActive toggles an ActiveUrl's is_active flag. Returns false if the
// unique_id was not found. A call that leaves the flag unchanged still
// reports success but emits no event, per idempotence requirements.
func (m *Manager) SetUrlActive(uniqueID string, active bool) bool {
	m.mu.Lock()
	found := false
	changed := false
	for i := range m.activeURLs {
		if m.activeURLs[i].UniqueID == uniqueID {
			found = true
			if m.activeURLs[i].IsActive != active {
				m.activeURLs[i].IsActive = active
				changed = true
			}
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return false
	}
	if changed {
		m.persistEngineState(context.Background())
	}
	if changed && m.events.UrlsChanged != nil {
		m.events.UrlsChanged()
	}
	return true
}

// RemoveUrl removes one ActiveUrl by unique_id. Returns false if not found.
func (m *Manager) RemoveUrl(uniqueID string) bool {
	m.mu.Lock()
	found := false
	out := m.activeURLs[:0]
	for _, u := range m.activeURLs {
		if u.UniqueID == uniqueID {
			found = true
			continue
		}
		out = append(out, u)
	}
	m.activeURLs = out
	m.mu.Unlock()

	if found {
		m.persistEngineState(context.Background())
	}
	if found && m.events.UrlsChanged != nil {
		m.events.UrlsChanged()
	}
	return found
}

// GetClientCount returns the number of registered Protocol Clients.
func (m *Manager) GetClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// SetFilter stores an opaque filter string, owned and interpreted by the
// host, and rebroadcasts it via FilterChanged.
func (m *Manager) SetFilter(filter string) {
	m.mu.Lock()
	m.filter = filter
	m.mu.Unlock()
	m.persistEngineState(context.Background())
	if m.events.FilterChanged != nil {
		m.events.FilterChanged(filter)
	}
}

// GetFilter returns the stored filter string.
func (m *Manager) GetFilter() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter
}

// SetFilterEnabled toggles whether the host-owned filter is active.
func (m *Manager) SetFilterEnabled(enabled bool) {
	m.mu.Lock()
	m.filterEnabled = enabled
	m.mu.Unlock()
	m.persistEngineState(context.Background())
	if m.events.FilterEnabledChanged != nil {
		m.events.FilterEnabledChanged(enabled)
	}
}

// GetFilterEnabled reports whether the host-owned filter is active.
func (m *Manager) GetFilterEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterEnabled
}

// SetInteractionTag mutates the stored Interaction's tag. Returns false if
// the unique_id was not found.
func (m *Manager) SetInteractionTag(uid, tag string) bool {
	m.mu.Lock()
	found := false
	for i := range m.interactions {
		if m.interactions[i].UniqueID == uid {
			m.interactions[i].Tag = tag
			found = true
			break
		}
	}
	m.mu.Unlock()
	if found {
		m.persistEngineState(context.Background())
	}

	if found && m.events.DataChanged != nil {
		m.events.DataChanged()
	}
	return found
}

// SetSelectedRowID stores the session-only selected row, rebroadcasting it
// via RowSelected.
func (m *Manager) SetSelectedRowID(uid string) {
	m.mu.Lock()
	m.selectedRowID = uid
	m.mu.Unlock()
	if m.events.RowSelected != nil {
		m.events.RowSelected(uid)
	}
}

// GetSelectedRowID returns the session-only selected row.
func (m *Manager) GetSelectedRowID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectedRowID
}

// Status is the engine's point-in-time snapshot for get_status.
type Status struct {
	IsStarted        bool
	InteractionCount int
	ClientCount      int
	ActiveURLCount   int
}

// GetStatus returns the engine's current status snapshot.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		IsStarted:        m.started,
		InteractionCount: len(m.interactions),
		ClientCount:      len(m.clients),
		ActiveURLCount:   len(m.activeURLs),
	}
}
