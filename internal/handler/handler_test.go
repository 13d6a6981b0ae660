package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsync-p2p/internal/config"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/engine"
	"bizsync-p2p/internal/events"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/pairing"
	"bizsync-p2p/internal/recordstore"
	"bizsync-p2p/internal/repository"
	"bizsync-p2p/internal/secretstore"
	"bizsync-p2p/internal/service"
	"bizsync-p2p/internal/session"
	"bizsync-p2p/internal/transport"
	"bizsync-p2p/internal/transport/memory"
	"bizsync-p2p/internal/websocket"
	"bizsync-p2p/pkg/hash"
)

const (
	testPassword = "counter-operator-1"
	testSecret   = "handler-test-secret"
)

type device struct {
	*engine.Engine
	records *gatedStore
}

// gatedStore holds delta reads while its gate is closed, keeping a session
// in flight for as long as a test needs.
type gatedStore struct {
	*recordstore.Memory
	mu   sync.Mutex
	gate chan struct{}
}

func (g *gatedStore) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedStore) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *gatedStore) ReadDelta(ctx context.Context, category domain.Category, since time.Time) ([]domain.Record, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Memory.ReadDelta(ctx, category, since)
}

func newDevice(t *testing.T, id string, hub *memory.Hub) *device {
	t.Helper()
	table := transport.NewTable(logging.Discard())
	require.NoError(t, table.Register(hub.Transport(id, domain.TransportNearby)))

	records := &gatedStore{Memory: recordstore.NewMemory()}
	e, err := engine.New(engine.Options{
		Self:              domain.DeviceInfo{DeviceID: id, Name: "till " + id, Type: domain.DeviceTypeDesktop},
		Table:             table,
		Repos:             repository.NewMemory(),
		Secrets:           secretstore.NewMemory(),
		Records:           records,
		DiscoveryTimeout:  200 * time.Millisecond,
		DiscoveryInterval: 100 * time.Millisecond,
		Pairing:           pairing.Config{StepTimeout: 3 * time.Second, PINKDF: pairing.KDFParams{Time: 1, Memory: 1024, Threads: 1}},
		Session:           session.Config{ChunkSize: 10, AckTimeout: 3 * time.Second, ResponseTimeout: 3 * time.Second},
		Log:               logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		records.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Stop(ctx))
		table.Close()
	})
	return &device{Engine: e, records: records}
}

func newServer(t *testing.T, d *device, rateLimit config.RateLimitConfig) *httptest.Server {
	t.Helper()
	hashed, err := hash.Hash(testPassword)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream := websocket.NewManager(d.Bus, websocket.Options{MaxClients: 2}, logging.Discard())
	go stream.Run(ctx)

	router := NewRouter(RouterConfig{
		Engine:      d.Engine,
		Auth:        service.NewAuthService(d.Self().DeviceID, hashed, testSecret, time.Hour, 24*time.Hour),
		Events:      stream,
		SyncProfile: domain.DefaultSyncConfiguration(),
		CORS:        config.CORSConfig{AllowedOrigins: "*", AllowedMethods: "GET,POST,DELETE", AllowedHeaders: "Content-Type,Authorization"},
		RateLimit:   rateLimit,
		WebSocket:   config.WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024},
		Log:         logging.Discard(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func login(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	status, env := call(t, srv, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Password: testPassword})
	require.Equal(t, http.StatusOK, status, env.Error)
	var resp domain.LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func TestRouter_AuthRequired(t *testing.T) {
	d := newDevice(t, "dev-a", memory.NewHub())
	srv := newServer(t, d, config.RateLimitConfig{})

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := call(t, srv, http.MethodGet, "/api/v1/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, srv, http.MethodGet, "/api/v1/devices", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, status)

	token := login(t, srv)
	status, env := call(t, srv, http.MethodGet, "/api/v1/device", token, nil)
	require.Equal(t, http.StatusOK, status)
	var self domain.DeviceInfo
	require.NoError(t, json.Unmarshal(env.Data, &self))
	assert.Equal(t, "dev-a", self.DeviceID)
}

func TestRouter_ErrorKindsMapToStatus(t *testing.T) {
	hub := memory.NewHub()
	a := newDevice(t, "dev-a", hub)
	newDevice(t, "dev-b", hub)
	srv := newServer(t, a, config.RateLimitConfig{})
	token := login(t, srv)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown session", http.MethodGet, "/api/v1/sessions/missing", nil, http.StatusNotFound},
		{"no active session", http.MethodGet, "/api/v1/sessions/active", nil, http.StatusNotFound},
		{"unknown device", http.MethodGet, "/api/v1/devices/ghost", nil, http.StatusNotFound},
		{"empty device list", http.MethodPost, "/api/v1/sessions", domain.StartSyncRequest{}, http.StatusBadRequest},
		{"short pin", http.MethodPost, "/api/v1/pairing/enter", domain.EnterPINRequest{DeviceID: "dev-b", PIN: "12"}, http.StatusBadRequest},
		{"bad filter", http.MethodGet, "/api/v1/devices?filter=nearby", nil, http.StatusBadRequest},
		{"sync with unpaired device", http.MethodPost, "/api/v1/sessions", domain.StartSyncRequest{DeviceIDs: []string{"dev-b"}}, http.StatusForbidden},
		{"invalid resolution policy", http.MethodPost, "/api/v1/sessions/x/conflicts/y/resolve", domain.ResolveConflictRequest{Policy: domain.ResolutionManual}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := call(t, srv, tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.want, status, env.Error)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Kind)
		})
	}
}

func TestRouter_PairSyncAndResolve(t *testing.T) {
	hub := memory.NewHub()
	a := newDevice(t, "dev-a", hub)
	b := newDevice(t, "dev-b", hub)
	srv := newServer(t, a, config.RateLimitConfig{})
	token := login(t, srv)
	ctx := context.Background()

	status, env := call(t, srv, http.MethodPost, "/api/v1/devices/discover", token, domain.DiscoverRequest{TimeoutMs: 300})
	require.Equal(t, http.StatusOK, status, env.Error)
	var found []domain.DeviceInfo
	require.NoError(t, json.Unmarshal(env.Data, &found))
	require.Len(t, found, 1)

	code, err := b.Pairing.GeneratePIN(ctx)
	require.NoError(t, err)
	status, env = call(t, srv, http.MethodPost, "/api/v1/pairing/enter", token, domain.EnterPINRequest{DeviceID: "dev-b", PIN: code.PIN})
	require.Equal(t, http.StatusOK, status, env.Error)
	var paired domain.DevicePairing
	require.NoError(t, json.Unmarshal(env.Data, &paired))
	assert.Equal(t, domain.PairingCompleted, paired.State)
	require.Eventually(t, func() bool {
		p, err := b.Pairing.Get(code.ID)
		return err == nil && p.State == domain.PairingCompleted
	}, 3*time.Second, 10*time.Millisecond)

	status, env = call(t, srv, http.MethodPost, "/api/v1/devices/dev-b/connect", token, nil)
	require.Equal(t, http.StatusOK, status, env.Error)

	for i := 0; i < 30; i++ {
		require.NoError(t, a.records.Put(ctx, domain.Record{
			Category: domain.CategoryCustomers, ID: fmt.Sprintf("cust-%02d", i),
			Data: json.RawMessage(fmt.Sprintf(`{"name":"Customer %d"}`, i)), ModifiedAt: time.Now().Add(-time.Hour),
		}))
	}
	require.NoError(t, b.records.Put(ctx, domain.Record{
		Category: domain.CategoryCustomers, ID: "cust-00",
		Data: json.RawMessage(`{"name":"Walk-in"}`), ModifiedAt: time.Now().Add(-time.Minute),
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?token=" + token + "&kinds=" + string(events.KindSessionUpdated)
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	a.records.hold()
	status, env = call(t, srv, http.MethodPost, "/api/v1/sessions", token, domain.StartSyncRequest{DeviceIDs: []string{"dev-b"}})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var started domain.SyncSession
	require.NoError(t, json.Unmarshal(env.Data, &started))

	status, env = call(t, srv, http.MethodPost, "/api/v1/sessions", token, domain.StartSyncRequest{DeviceIDs: []string{"dev-b"}})
	assert.Equal(t, http.StatusConflict, status, "a second session must not start while one is in flight")
	assert.Contains(t, env.Error, domain.ErrSessionActive.Error())

	status, env = call(t, srv, http.MethodGet, "/api/v1/sessions/active", token, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var active domain.SyncSession
	require.NoError(t, json.Unmarshal(env.Data, &active))
	assert.Equal(t, started.ID, active.ID)
	a.records.release()

	var final *domain.SyncSession
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for final == nil {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg websocket.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, websocket.TypeEvent, msg.Type)

		var ev events.Event
		require.NoError(t, msg.UnmarshalPayload(&ev))
		require.Equal(t, events.KindSessionUpdated, ev.Kind)
		if ev.Session != nil && ev.Session.ID == started.ID && ev.Session.State.IsTerminal() {
			final = ev.Session
		}
	}
	assert.Equal(t, domain.SessionCompleted, final.State, final.Error)
	require.Len(t, final.UnresolvedConflicts(), 1)
	conflict := final.UnresolvedConflicts()[0]

	path := fmt.Sprintf("/api/v1/sessions/%s/conflicts/%s/resolve", started.ID, conflict.ID)
	status, env = call(t, srv, http.MethodPost, path, token, domain.ResolveConflictRequest{Policy: domain.ResolutionUseRemote, Note: "keep the till copy"})
	require.Equal(t, http.StatusOK, status, env.Error)
	var resolved domain.SyncConflict
	require.NoError(t, json.Unmarshal(env.Data, &resolved))
	assert.True(t, resolved.IsResolved())

	status, env = call(t, srv, http.MethodGet, "/api/v1/sessions/"+started.ID, token, nil)
	require.Equal(t, http.StatusOK, status)
	var got domain.SyncSession
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Empty(t, got.UnresolvedConflicts())

	status, _ = call(t, srv, http.MethodPost, "/api/v1/sessions/"+started.ID+"/pause", token, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, env = call(t, srv, http.MethodGet, "/api/v1/devices/dev-b/stats", token, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var stats domain.SyncStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.SessionsAttempted)
	assert.Equal(t, 1, stats.SessionsSucceeded)

	status, _ = call(t, srv, http.MethodDelete, "/api/v1/devices/dev-b", token, nil)
	assert.Equal(t, http.StatusOK, status)
	status, env = call(t, srv, http.MethodGet, "/api/v1/devices?filter=paired", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestRouter_EventStreamRejectsBadToken(t *testing.T) {
	d := newDevice(t, "dev-a", memory.NewHub())
	srv := newServer(t, d, config.RateLimitConfig{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?token=bogus"
	_, resp, err := ws.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_RateLimit(t *testing.T) {
	d := newDevice(t, "dev-a", memory.NewHub())
	srv := newServer(t, d, config.RateLimitConfig{Enabled: true, RequestsPerMinute: 6})

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		status, _ := call(t, srv, http.MethodGet, "/api/v1/devices", "", nil)
		codes[status]++
	}
	assert.Equal(t, 1, codes[http.StatusUnauthorized], "burst of one passes to auth")
	assert.Equal(t, 4, codes[http.StatusTooManyRequests])
}
