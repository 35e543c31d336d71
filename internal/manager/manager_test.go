package manager

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	enginecrypto "github.com/R3E-Network/interactsh-engine/infrastructure/crypto"
	"github.com/R3E-Network/interactsh-engine/infrastructure/state"
	"github.com/R3E-Network/interactsh-engine/internal/persistence"
	"github.com/R3E-Network/interactsh-engine/internal/wire"
)

type fakeServer struct {
	mu         sync.Mutex
	pollStatus map[string]int
	pollItems  map[string][]string
	aesKey     map[string]string
	pollCount  map[string]int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		pollStatus: make(map[string]int),
		pollItems:  make(map[string][]string),
		aesKey:     make(map[string]string),
		pollCount:  make(map[string]int),
	}
}

// fakeServerKey is the single internal map key every fakeServer instance
// uses. Each fakeServer backs exactly one logical Interactsh server in
// these tests (two-server scenarios use two separate fakeServer values), so
// the name argument passed to mux/setPollStatus/setPollItem/pollCountFor is
// accepted for readability at call sites but never needs to vary.
const fakeServerKey = "_"

func (f *fakeServer) mux(name string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, ok := f.pollStatus[fakeServerKey]
		if !ok {
			status = http.StatusOK
		}
		items := f.pollItems[fakeServerKey]
		aesKey := f.aesKey[fakeServerKey]
		f.pollCount[fakeServerKey]++
		f.mu.Unlock()

		w.WriteHeader(status)
		if status == http.StatusOK {
			body, _ := json.Marshal(wire.PollResponse{Data: items, AESKey: aesKey})
			w.Write(body)
		}
	})
	mux.HandleFunc("/deregister", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeServer) pollCountFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCount[fakeServerKey]
}

func (f *fakeServer) setPollStatus(name string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollStatus[fakeServerKey] = status
}

func (f *fakeServer) setPollItem(name, aesKey, item string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aesKey[fakeServerKey] = aesKey
	f.pollItems[fakeServerKey] = []string{item}
}

func encryptPayload(t *testing.T, pub *rsa.PublicKey, key []byte, plaintext string) (string, string) {
	t.Helper()
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read(key) error = %v", err)
	}
	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		t.Fatalf("EncryptOAEP() error = %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand.Read(iv) error = %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher() error = %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, []byte(plaintext))
	secureMessage := append(append([]byte{}, iv...), ciphertext...)
	return base64.StdEncoding.EncodeToString(encryptedKey), base64.StdEncoding.EncodeToString(secureMessage)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := persistence.NewStore(persistence.Config{
		Backend:   state.NewMemoryBackend(0),
		MasterKey: []byte("01234567890123456789012345678901")[:32],
	})
	if err != nil {
		t.Fatalf("persistence.NewStore() error = %v", err)
	}
	return New(store, nil, nil, Events{})
}

func TestStart_GeneratesKeypairWhenAbsent(t *testing.T) {
	m := newTestManager(t)
	if err := m.Start(context.Background(), Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.GetStatus().IsStarted {
		t.Error("GetStatus().IsStarted = false after Start()")
	}
}

func TestStart_RejectsDoubleStart(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Start(ctx, Config{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(ctx, Config{}); err == nil {
		t.Fatal("expected error on double Start()")
	}
}

func TestGenerateURL_MatchesExpectedPattern(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.mux("oast.site"))
	defer srv.Close()

	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Start(ctx, Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fullURL, uniqueID, err := m.GenerateURL(ctx, srv.URL, "")
	if err != nil {
		t.Fatalf("GenerateURL() error = %v", err)
	}
	if len(uniqueID) != 33 {
		t.Errorf("unique_id length = %d, want 33", len(uniqueID))
	}
	pattern := regexp.MustCompile(`^https://[a-z0-9]{33}\.` + regexp.QuoteMeta(hostOf(t, srv.URL)) + `$`)
	if !pattern.MatchString(fullURL) {
		t.Errorf("GenerateURL() url = %q, does not match expected pattern", fullURL)
	}
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	// httptest.Server.URL is like http://127.0.0.1:PORT; since GenerateURL
	// normalizes to https internally, compare against the same host the
	// client derives: the normalized authority of rawURL, scheme aside.
	return rawURL[len("http://"):]
}

func TestGenerateURL_AttributesInteraction(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.mux("oast.site"))
	defer srv.Close()

	changed := make(chan struct{}, 8)
	m := New(mustTestStore(t), nil, nil, Events{DataChanged: func() { changed <- struct{}{} }})

	ctx := context.Background()
	if err := m.Start(ctx, Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fullURL, uniqueID, err := m.GenerateURL(ctx, srv.URL, "mytag")
	_ = fullURL
	if err != nil {
		t.Fatalf("GenerateURL() error = %v", err)
	}

	kp := m.keyPairForTest()
	key := make([]byte, 32)
	plaintext, _ := json.Marshal(wire.Interaction{FullID: uniqueID + "xyz", Protocol: "DNS"})
	encryptedKeyB64, secureMessageB64 := encryptPayload(t, &kp.PrivateKey().PublicKey, key, string(plaintext))
	fs.setPollItem(hostOf(t, srv.URL), encryptedKeyB64, secureMessageB64)

	m.Poll(ctx, true)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("DataChanged was not emitted")
	}

	interactions := m.GetInteractions()
	if len(interactions) != 1 {
		t.Fatalf("GetInteractions() = %+v, want exactly one", interactions)
	}
	if interactions[0].Tag != "mytag" {
		t.Errorf("interaction tag = %q, want %q", interactions[0].Tag, "mytag")
	}
	if interactions[0].Protocol != "dns" {
		t.Errorf("interaction protocol = %q, want lowercased %q", interactions[0].Protocol, "dns")
	}
}

func TestDisabledUrl_InteractionDropped(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.mux("oast.site"))
	defer srv.Close()

	m := New(mustTestStore(t), nil, nil, Events{})
	ctx := context.Background()
	if err := m.Start(ctx, Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, uniqueID, err := m.GenerateURL(ctx, srv.URL, "")
	if err != nil {
		t.Fatalf("GenerateURL() error = %v", err)
	}
	if !m.SetUrlActive(uniqueID, false) {
		t.Fatal("SetUrlActive() returned false for a known unique_id")
	}

	kp := m.keyPairForTest()
	key := make([]byte, 32)
	plaintext, _ := json.Marshal(wire.Interaction{FullID: uniqueID + "xyz", Protocol: "http"})
	encryptedKeyB64, secureMessageB64 := encryptPayload(t, &kp.PrivateKey().PublicKey, key, string(plaintext))
	fs.setPollItem(hostOf(t, srv.URL), encryptedKeyB64, secureMessageB64)

	m.Poll(ctx, true)

	if len(m.GetInteractions()) != 0 {
		t.Errorf("GetInteractions() = %+v, want empty for a disabled URL", m.GetInteractions())
	}
}

func TestClearAllData(t *testing.T) {
	store := mustTestStore(t)
	m := New(store, nil, nil, Events{})
	ctx := context.Background()
	if err := m.Start(ctx, Config{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	m.interactionSeq = 5
	m.interactions = []Interaction{{UniqueID: "int_1_1"}, {UniqueID: "int_1_2"}}
	m.activeURLs = []ActiveUrl{{UniqueID: "a"}, {UniqueID: "b"}}
	m.persistEngineState(ctx)

	m.ClearAllData()

	if len(m.GetInteractions()) != 0 {
		t.Error("GetInteractions() not empty after ClearAllData()")
	}
	if len(m.GetActiveUrls()) != 0 {
		t.Error("GetActiveUrls() not empty after ClearAllData()")
	}
	if m.interactionSeq != 0 {
		t.Errorf("interactionSeq = %d, want 0 after ClearAllData()", m.interactionSeq)
	}

	persisted, ok, err := store.LoadEngineState(ctx)
	if err != nil {
		t.Fatalf("LoadEngineState() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadEngineState() ok = false, want a persisted record reflecting the cleared state")
	}
	var persistedInteractions []Interaction
	if err := json.Unmarshal(persisted.Interactions, &persistedInteractions); err != nil {
		t.Fatalf("unmarshal persisted interactions: %v", err)
	}
	var persistedURLs []ActiveUrl
	if err := json.Unmarshal(persisted.ActiveUrls, &persistedURLs); err != nil {
		t.Fatalf("unmarshal persisted active urls: %v", err)
	}
	if len(persistedInteractions) != 0 {
		t.Errorf("persisted interactions = %+v, want empty after ClearAllData()", persistedInteractions)
	}
	if len(persistedURLs) != 0 {
		t.Errorf("persisted active urls = %+v, want empty after ClearAllData()", persistedURLs)
	}
	if persisted.InteractionCounter != 0 {
		t.Errorf("persisted interaction counter = %d, want 0 after ClearAllData()", persisted.InteractionCounter)
	}
}

func TestPoll_SessionExpiryOnOneServerLeavesOtherIntact(t *testing.T) {
	fsA := newFakeServer()
	srvA := httptest.NewServer(fsA.mux("oast.site"))
	defer srvA.Close()

	fsB := newFakeServer()
	srvB := httptest.NewServer(fsB.mux("oast.fun"))
	defer srvB.Close()

	m := New(mustTestStore(t), nil, nil, Events{})
	ctx := context.Background()
	if err := m.Start(ctx, Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, _, err := m.GenerateURL(ctx, srvA.URL, ""); err != nil {
		t.Fatalf("GenerateURL(srvA) error = %v", err)
	}
	if _, _, err := m.GenerateURL(ctx, srvB.URL, ""); err != nil {
		t.Fatalf("GenerateURL(srvB) error = %v", err)
	}
	if got := m.GetClientCount(); got != 2 {
		t.Fatalf("GetClientCount() = %d, want 2 before expiry", got)
	}

	fsA.setPollStatus(hostOf(t, srvA.URL), http.StatusBadRequest)

	m.Poll(ctx, false)

	if got := m.GetClientCount(); got != 1 {
		t.Fatalf("GetClientCount() = %d, want 1 after srvA session expired", got)
	}

	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ServerURL == "" {
		t.Fatalf("LoadSessions() = %+v, want exactly the surviving server's session", sessions)
	}
	if !strings.Contains(sessions[0].ServerURL, hostOf(t, srvB.URL)) {
		t.Errorf("surviving session = %q, want the srvB session", sessions[0].ServerURL)
	}
}

func TestStart_ResumesPersistedSessionsAfterRestart(t *testing.T) {
	fs := newFakeServer()
	srv := httptest.NewServer(fs.mux("oast.site"))
	defer srv.Close()

	backend := state.NewMemoryBackend(0)
	masterKey := []byte("01234567890123456789012345678901")[:32]

	store1, err := persistence.NewStore(persistence.Config{Backend: backend, MasterKey: masterKey})
	if err != nil {
		t.Fatalf("persistence.NewStore() error = %v", err)
	}
	m1 := New(store1, nil, nil, Events{})
	if err := m1.Start(context.Background(), Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, _, err := m1.GenerateURL(context.Background(), srv.URL, ""); err != nil {
		t.Fatalf("GenerateURL() error = %v", err)
	}
	originalModulus := m1.keyPairForTest().PrivateKey().PublicKey.N.Bytes()
	originalURLs := m1.GetActiveUrls()
	if err := m1.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	store2, err := persistence.NewStore(persistence.Config{Backend: backend, MasterKey: masterKey})
	if err != nil {
		t.Fatalf("persistence.NewStore() error = %v", err)
	}
	m2 := New(store2, nil, nil, Events{})
	if err := m2.Start(context.Background(), Config{PollingIntervalMs: 5000, CorrelationIDLength: 20, SecretKeyLength: 13, AllowInsecure: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := m2.GetClientCount(); got != 1 {
		t.Fatalf("GetClientCount() after restart = %d, want 1 resumed client", got)
	}
	resumedModulus := m2.keyPairForTest().PrivateKey().PublicKey.N.Bytes()
	if string(resumedModulus) != string(originalModulus) {
		t.Error("resumed keypair's RSA modulus does not match the original")
	}

	resumedURLs := m2.GetActiveUrls()
	if len(resumedURLs) != len(originalURLs) {
		t.Fatalf("GetActiveUrls() after restart = %+v, want %d resumed entry matching %+v", resumedURLs, len(originalURLs), originalURLs)
	}
	if len(originalURLs) > 0 && resumedURLs[0].UniqueID != originalURLs[0].UniqueID {
		t.Errorf("resumed active url unique_id = %q, want %q", resumedURLs[0].UniqueID, originalURLs[0].UniqueID)
	}

	deadline := time.After(2 * time.Second)
	for {
		if fs.pollCountFor(hostOf(t, srv.URL)) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one /poll to the resumed server within a polling interval")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSetUrlActive_NotFound(t *testing.T) {
	m := newTestManager(t)
	if m.SetUrlActive("nonexistent", true) {
		t.Error("SetUrlActive() = true for an unknown unique_id")
	}
}

func TestStop_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() before Start() error = %v", err)
	}
	if err := m.Start(ctx, Config{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func mustTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.NewStore(persistence.Config{
		Backend:   state.NewMemoryBackend(0),
		MasterKey: []byte("01234567890123456789012345678901")[:32],
	})
	if err != nil {
		t.Fatalf("persistence.NewStore() error = %v", err)
	}
	return store
}

// keyPairForTest exposes the manager's in-memory keypair for test-side
// interaction encryption; exported only within the _test.go file via the
// package-private field access test files get for free.
func (m *Manager) keyPairForTest() *enginecrypto.KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyPair
}
