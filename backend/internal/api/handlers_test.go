package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edeng23/beyond-meet/backend/internal/identity"
	"github.com/edeng23/beyond-meet/backend/internal/ingest"
	"github.com/edeng23/beyond-meet/backend/internal/metrics"
	"github.com/edeng23/beyond-meet/backend/internal/progress"
	"github.com/edeng23/beyond-meet/backend/internal/session"
	"github.com/edeng23/beyond-meet/backend/internal/state"
	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
)

type mockAuth struct {
	id   *identity.Identity
	cred session.Credential
	err  error
}

func (m *mockAuth) Exchange(ctx context.Context, code, redirectURI string) (*identity.Identity, session.Credential, error) {
	return m.id, m.cred, m.err
}

type mockSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newMockSessions(userIDs ...string) *mockSessions {
	m := &mockSessions{sessions: make(map[string]*session.Session)}
	for _, id := range userIDs {
		m.sessions[id] = &session.Session{UserID: id}
	}
	return m
}

func (m *mockSessions) Store(ctx context.Context, userID string, s *session.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = s
	return nil
}

func (m *mockSessions) Get(ctx context.Context, userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (m *mockSessions) Remove(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

type mockGenerator struct {
	running  atomic.Bool
	runErr   error
	startErr error
	result   *ingest.Result
}

func (m *mockGenerator) Run(ctx context.Context, userID string) (*ingest.Result, error) {
	return m.result, m.runErr
}

func (m *mockGenerator) Start(ctx context.Context, userID string) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}
	return "run-1", nil
}

func (m *mockGenerator) IsRunning(userID string) bool { return m.running.Load() }

type mockGraphStore struct {
	mu      sync.Mutex
	records map[string]state.GraphRecord
	loadErr error
	saveErr error
}

func (m *mockGraphStore) Load(ctx context.Context, userID string) (*state.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return state.FromRecord(userID, m.records[userID]), nil
}

func (m *mockGraphStore) Save(ctx context.Context, g *state.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[g.UserID] = g.ToRecord()
	return nil
}

type fixture struct {
	router    *gin.Engine
	auth      *mockAuth
	sessions  *mockSessions
	generator *mockGenerator
	store     *mockGraphStore
	hub       *progress.Hub
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)

	g := state.NewGraph("u1")
	g.MergeParticipants([]string{"a@x.com", "b@y.com"}, []state.Meeting{{Date: "2024-01-01", Title: "Sync", Location: "Room A"}})

	f := &fixture{
		auth:      &mockAuth{},
		sessions:  newMockSessions("u1"),
		generator: &mockGenerator{},
		store:     &mockGraphStore{records: map[string]state.GraphRecord{"u1": g.ToRecord()}},
	}
	f.hub = progress.NewHub(f.generator, 20*time.Millisecond)
	f.router = NewServer(Deps{
		Auth:           f.auth,
		Sessions:       f.sessions,
		Generator:      f.generator,
		Store:          f.store,
		Progress:       f.hub,
		Metrics:        metrics.NewCollector("test"),
		AllowedOrigins: []string{"http://localhost:3000"},
		SessionTTL:     time.Hour,
	}).Router()
	return f
}

func (f *fixture) do(method, path string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestAuthCode_Success(t *testing.T) {
	f := newFixture()
	f.auth.id = &identity.Identity{UserID: "sub-1", Email: "me@home.com", Name: "Me"}
	f.auth.cred = session.Credential{RefreshToken: "rt"}

	w := f.do(http.MethodPost, "/api/auth_code", `{"code":"abc"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "sub-1", body["user_id"])
	assert.Equal(t, "me@home.com", body["email"])

	stored, err := f.sessions.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "rt", stored.Credential.RefreshToken)
}

func TestAuthCode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"missing code", nil, `{}`, http.StatusBadRequest},
		{"invalid code", apperrors.NewBaseError(apperrors.ErrorTypeAuth, apperrors.ErrInvalidCode.Message, errors.New("invalid_grant")), `{"code":"x"}`, http.StatusBadRequest},
		{"no refresh token", apperrors.ErrNoRefreshToken, `{"code":"x"}`, http.StatusBadRequest},
		{"provider down", apperrors.NewTransientIO("token exchange", errors.New("timeout")), `{"code":"x"}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.auth.err = tt.err
			w := f.do(http.MethodPost, "/api/auth_code", tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	f := newFixture()
	f.auth.err = apperrors.ErrInvalidCode
	w := f.do(http.MethodPost, "/api/auth_code", `{"code":"x"}`)
	assert.Equal(t, "Invalid or expired code", decode(t, w)["error"])
}

func TestLogout(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/logout?user_id=u1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := f.sessions.Get(context.Background(), "u1")
	assert.True(t, errors.Is(err, session.ErrNotFound))

	w = f.do(http.MethodPost, "/api/logout", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetGraph(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/api/graph?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Nodes           []state.ContactNode `json:"nodes"`
		Links           []state.Edge        `json:"links"`
		IsGenerating    bool                `json:"is_generating"`
		CurrentProgress int                 `json:"current_progress"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Nodes, 2)
	assert.Equal(t, []state.Edge{{Source: "a@x.com", Target: "b@y.com"}}, resp.Links)
	assert.False(t, resp.IsGenerating)
	assert.Equal(t, 0, resp.CurrentProgress)
}

func TestGetGraph_ReportsProgressWhileGenerating(t *testing.T) {
	f := newFixture()
	f.generator.running.Store(true)
	f.hub.Open("u1").Publish(42)

	w := f.do(http.MethodGet, "/api/graph?user_id=u1", "")
	body := decode(t, w)
	assert.Equal(t, true, body["is_generating"])
	assert.Equal(t, 42.0, body["current_progress"])
}

func TestGetGraph_Unauthenticated(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodGet, "/api/graph?user_id=ghost", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetGraph_StoreFailureIsGeneric(t *testing.T) {
	f := newFixture()
	f.store.loadErr = errors.New("bolt: connection refused")

	w := f.do(http.MethodGet, "/api/graph?user_id=u1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "bolt")
}

func TestGenerate_Async(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/api/graph?user_id=u1", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "run-1", decode(t, w)["run_id"])
}

func TestGenerate_Wait(t *testing.T) {
	f := newFixture()
	f.generator.result = &ingest.Result{RunID: "run-2", Processed: 3, Failed: []ingest.ItemFailure{}}

	w := f.do(http.MethodPost, "/api/graph?user_id=u1&wait=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	result := decode(t, w)["result"].(map[string]interface{})
	assert.Equal(t, "run-2", result["run_id"])
	assert.Equal(t, 3.0, result["processed"])
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthenticated", apperrors.NewUnauthenticated("u1", nil), http.StatusUnauthorized},
		{"rate limited", apperrors.NewRateLimited("u1", 12*time.Second), http.StatusTooManyRequests},
		{"already running", apperrors.NewAlreadyRunning("u1", "run-0"), http.StatusConflict},
		{"persist failed", apperrors.NewPersistFailed("u1", errors.New("neo4j")), http.StatusInternalServerError},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.generator.startErr = tt.err
			w := f.do(http.MethodPost, "/api/graph?user_id=u1", "")
			assert.Equal(t, tt.status, w.Code)
		})
	}

	f := newFixture()
	f.generator.startErr = apperrors.NewRateLimited("u1", 12*time.Second)
	w := f.do(http.MethodPost, "/api/graph?user_id=u1", "")
	assert.Equal(t, "12", w.Header().Get("Retry-After"))
}

func TestProgress_StreamsUntilRunEnds(t *testing.T) {
	f := newFixture()
	ch := f.hub.Open("u1")
	ch.Publish(0)
	ch.Publish(50)
	ch.Publish(100)
	f.hub.Finish("u1", ch)

	w := f.do(http.MethodGet, "/api/graph/progress?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "data:") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"progress":0}`, events[0])
	assert.JSONEq(t, `{"progress":100}`, events[2])
}

func TestProgress_KeepAliveThenEnd(t *testing.T) {
	f := newFixture()
	f.generator.running.Store(true)
	f.hub.Open("u1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.generator.running.Store(false)
	}()

	w := f.do(http.MethodGet, "/api/graph/progress?user_id=u1", "")
	assert.Contains(t, w.Body.String(), `"keep-alive"`)
}

func TestUpdateNode(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPut, "/api/graph/node/a@x.com?user_id=u1", `{"company":"Acme","notes":"met at conf","email":"evil@x.com"}`)
	require.Equal(t, http.StatusOK, w.Code)

	g := state.FromRecord("u1", f.store.records["u1"])
	a, ok := g.Node("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "Acme", a.Company)
	assert.Equal(t, "met at conf", a.Notes)
	assert.Equal(t, "a@x.com", a.Email)
}

func TestUpdateNode_Errors(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPut, "/api/graph/node/nobody@x.com?user_id=u1", `{"notes":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPut, "/api/graph/node/a@x.com?user_id=u1", `{"notes":42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/graph/node/a@x.com?user_id=ghost", `{"notes":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.generator.running.Store(true)
	w = f.do(http.MethodPut, "/api/graph/node/a@x.com?user_id=u1", `{"notes":"x"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	f.generator.running.Store(false)

	f.store.saveErr = errors.New("write failed")
	w = f.do(http.MethodPut, "/api/graph/node/a@x.com?user_id=u1", `{"notes":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodOptions, "/api/graph", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	f.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture()
	f.do(http.MethodGet, "/health", "")

	w := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_http_requests_total{method="GET",route="/health",status="200"} 1`)
}
