// Package persistence implements durable storage for the engine's
// confidential records (the RSA keypair and per-server client sessions,
// envelope-encrypted at rest) and its non-confidential engine state (the
// interaction log, ActiveUrl registry, and filter, written as plain JSON),
// so the engine can resume across restarts without minting a new keypair,
// re-registering every active server, or losing data a host has already
// collected.
package persistence

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"math/big"
	"sync"

	enginecrypto "github.com/R3E-Network/interactsh-engine/infrastructure/crypto"
	engineerrors "github.com/R3E-Network/interactsh-engine/infrastructure/errors"
	"github.com/R3E-Network/interactsh-engine/infrastructure/logging"
	"github.com/R3E-Network/interactsh-engine/infrastructure/state"
)

const (
	keyPairRecordKey     = "rsa_keypair"
	sessionsRecordKey    = "client_sessions"
	engineStateRecordKey = "engine_state"

	keyPairSubject  = "rsa_keypair"
	sessionsSubject = "client_sessions"
)

// Session is the durable record for one server's active registration.
type Session struct {
	ServerURL     string `json:"server_url"`
	CorrelationID string `json:"correlation_id"`
	SecretKey     string `json:"secret_key"`
	Token         string `json:"token,omitempty"`
}

// EngineState is the engine's non-confidential state: the interaction log,
// the ActiveUrl registry, the interaction counter, and the host-owned
// filter. Unlike the RSA keypair and client sessions, it holds nothing an
// attacker could use to impersonate a session, so it is written as a single
// plaintext JSON record rather than through the envelope-encryption path.
// Interactions and ActiveUrls are carried as raw JSON so this package never
// needs to import the manager package's types.
type EngineState struct {
	Interactions       json.RawMessage `json:"interactions"`
	ActiveUrls         json.RawMessage `json:"active_urls"`
	InteractionCounter int             `json:"interaction_counter"`
	Filter             string          `json:"filter"`
	FilterEnabled      bool            `json:"filter_enabled"`
}

// persistedKeyPair stores RSA private key components as decimal strings so
// the record round-trips through JSON without losing precision.
type persistedKeyPair struct {
	N  string `json:"n"`
	E  string `json:"e"`
	D  string `json:"d"`
	P  string `json:"p"`
	Q  string `json:"q"`
	Dp string `json:"dp"`
	Dq string `json:"dq"`
	Qi string `json:"qi"`
}

// Store persists the engine's confidential records — the process-wide RSA
// keypair and the set of live client sessions, encrypted at rest using
// infrastructure/crypto's AES-GCM envelope scheme and keyed by a
// caller-supplied master key (e.g. sourced from a host keychain or a
// deployment secret) — and its non-confidential EngineState, written as
// plain JSON since it carries nothing an attacker could use to impersonate
// a session. Corrupted or undecryptable records never panic the caller:
// every read falls through to "record absent" so the caller can regenerate
// or drop the affected session, or start the engine state from empty.
type Store struct {
	mu        sync.Mutex
	backend   *state.PersistentState
	masterKey []byte
	log       *logging.Logger
}

// Config configures a Store.
type Config struct {
	// Backend is the underlying key-value store. Defaults to an in-memory
	// backend when nil, which is almost never what a production caller
	// wants, since it defeats the purpose of persistence across restarts.
	Backend state.PersistenceBackend

	// MasterKey is the 32-byte key envelope encryption derives from. It
	// must remain stable across restarts for Load calls to succeed.
	MasterKey []byte

	Logger *logging.Logger
}

// NewStore builds a Store over the given backend and master key.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.MasterKey) != 32 {
		return nil, engineerrors.New(engineerrors.ErrCodePersistenceWrite, "master key must be 32 bytes")
	}

	backendCfg := state.DefaultConfig()
	if cfg.Backend != nil {
		backendCfg.Backend = cfg.Backend
	}

	ps, err := state.NewPersistentState(backendCfg)
	if err != nil {
		return nil, engineerrors.PersistenceWrite(err)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	return &Store{backend: ps, masterKey: cfg.MasterKey, log: log}, nil
}

// LoadOrGenerateKeyPair returns the persisted RSA keypair, generating and
// saving a fresh one if none exists or the stored record cannot be
// deserialized. The boolean result reports whether an existing keypair was
// resumed (true) or a new one was generated (false).
func (s *Store) LoadOrGenerateKeyPair(ctx context.Context) (*enginecrypto.KeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backend.Load(ctx, keyPairRecordKey)
	if err == nil {
		if kp, ok := s.decodeKeyPair(ctx, raw); ok {
			return kp, true, nil
		}
		s.log.Warn(ctx, "persisted keypair could not be decoded, generating a new one", nil)
	}

	kp, genErr := enginecrypto.GenerateKeyPair()
	if genErr != nil {
		return nil, false, engineerrors.Wrap(engineerrors.ErrCodePersistenceWrite, "failed to generate keypair", genErr)
	}

	if saveErr := s.saveKeyPairLocked(ctx, kp); saveErr != nil {
		return nil, false, saveErr
	}

	return kp, false, nil
}

func (s *Store) decodeKeyPair(ctx context.Context, envelope []byte) (*enginecrypto.KeyPair, bool) {
	plaintext, err := enginecrypto.DecryptRecord(s.masterKey, []byte(keyPairSubject), envelope)
	if err != nil {
		s.log.WithError(err).Warn("failed to decrypt persisted keypair envelope")
		return nil, false
	}

	var rec persistedKeyPair
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		s.log.WithError(err).Warn("failed to unmarshal persisted keypair record")
		return nil, false
	}

	parse := func(s string) (*big.Int, bool) {
		n, ok := new(big.Int).SetString(s, 10)
		return n, ok
	}

	n, ok1 := parse(rec.N)
	e, ok2 := parse(rec.E)
	d, ok3 := parse(rec.D)
	p, ok4 := parse(rec.P)
	q, ok5 := parse(rec.Q)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		s.log.Warn(ctx, "persisted keypair record contains malformed big.Int fields", nil)
		return nil, false
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	priv.Precompute()

	return enginecrypto.KeyPairFromPrivate(priv), true
}

func (s *Store) saveKeyPairLocked(ctx context.Context, kp *enginecrypto.KeyPair) error {
	priv := kp.PrivateKey()
	if len(priv.Primes) < 2 {
		return engineerrors.New(engineerrors.ErrCodePersistenceWrite, "keypair is missing RSA primes")
	}

	rec := persistedKeyPair{
		N:  priv.N.String(),
		E:  big.NewInt(int64(priv.E)).String(),
		D:  priv.D.String(),
		P:  priv.Primes[0].String(),
		Q:  priv.Primes[1].String(),
		Dp: priv.Precomputed.Dp.String(),
		Dq: priv.Precomputed.Dq.String(),
		Qi: priv.Precomputed.Qinv.String(),
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return engineerrors.PersistenceWrite(err)
	}

	envelope, err := enginecrypto.EncryptRecord(s.masterKey, []byte(keyPairSubject), plaintext)
	if err != nil {
		return engineerrors.PersistenceWrite(err)
	}

	if err := s.backend.Save(ctx, keyPairRecordKey, envelope); err != nil {
		return engineerrors.PersistenceWrite(err)
	}
	return nil
}

// SaveSession upserts a session record by server URL.
func (s *Store) SaveSession(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessionsLocked(ctx)
	if err != nil {
		sessions = nil
	}

	replaced := false
	for i, existing := range sessions {
		if existing.ServerURL == session.ServerURL {
			sessions[i] = session
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, session)
	}

	return s.saveSessionsLocked(ctx, sessions)
}

// LoadSessions returns every persisted session record. A corrupted or
// missing record yields an empty slice rather than an error, since a
// caller with no sessions to resume should simply proceed to mint fresh
// ones.
func (s *Store) LoadSessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessionsLocked(ctx)
	if err != nil {
		return nil, nil
	}
	return sessions, nil
}

// DeleteSession removes the session for one server URL, e.g. after a
// restore attempt fails and must not be retried on the next startup.
func (s *Store) DeleteSession(ctx context.Context, serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessionsLocked(ctx)
	if err != nil {
		return nil
	}

	out := sessions[:0]
	for _, existing := range sessions {
		if existing.ServerURL != serverURL {
			out = append(out, existing)
		}
	}
	return s.saveSessionsLocked(ctx, out)
}

// ClearSessions removes every persisted session record.
func (s *Store) ClearSessions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(ctx, sessionsRecordKey)
}

// SaveEngineState overwrites the persisted non-confidential engine state in
// a single write, so a reader never observes a torn mix of old interactions
// and a new filter.
func (s *Store) SaveEngineState(ctx context.Context, st EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(st)
	if err != nil {
		return engineerrors.PersistenceWrite(err)
	}
	if err := s.backend.Save(ctx, engineStateRecordKey, plaintext); err != nil {
		return engineerrors.PersistenceWrite(err)
	}
	return nil
}

// LoadEngineState returns the persisted engine state. The boolean result
// reports whether a record existed; a missing or corrupted record yields a
// zero-value EngineState and false rather than an error, matching
// LoadSessions's "absent means start fresh" behavior.
func (s *Store) LoadEngineState(ctx context.Context) (EngineState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backend.Load(ctx, engineStateRecordKey)
	if err != nil {
		return EngineState{}, false, nil
	}

	var st EngineState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.log.WithError(err).Warn("failed to unmarshal persisted engine state record")
		return EngineState{}, false, nil
	}
	return st, true, nil
}

func (s *Store) loadSessionsLocked(ctx context.Context) ([]Session, error) {
	raw, err := s.backend.Load(ctx, sessionsRecordKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := enginecrypto.DecryptRecord(s.masterKey, []byte(sessionsSubject), raw)
	if err != nil {
		s.log.WithError(err).Warn("failed to decrypt persisted sessions envelope")
		return nil, err
	}

	var sessions []Session
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		s.log.WithError(err).Warn("failed to unmarshal persisted sessions record")
		return nil, err
	}
	return sessions, nil
}

func (s *Store) saveSessionsLocked(ctx context.Context, sessions []Session) error {
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return engineerrors.PersistenceWrite(err)
	}

	envelope, err := enginecrypto.EncryptRecord(s.masterKey, []byte(sessionsSubject), plaintext)
	if err != nil {
		return engineerrors.PersistenceWrite(err)
	}

	if err := s.backend.Save(ctx, sessionsRecordKey, envelope); err != nil {
		return engineerrors.PersistenceWrite(err)
	}
	return nil
}
