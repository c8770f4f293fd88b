package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edeng23/beyond-meet/backend/internal/api"
	"github.com/edeng23/beyond-meet/backend/internal/identity"
	"github.com/edeng23/beyond-meet/backend/internal/ingest"
	"github.com/edeng23/beyond-meet/backend/internal/progress"
	"github.com/edeng23/beyond-meet/backend/internal/session"
)

// newWiredRouter assembles the real session cache, tracker and hub the way
// main does, with only the external systems left out.
func newWiredRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := session.OpenBadger(session.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := session.NewCache(db, time.Hour)
	tracker := ingest.NewTracker(30 * time.Second)
	hub := progress.NewHub(tracker, 10*time.Millisecond)
	pipeline := ingest.NewPipeline(sessions, nil, nil, hub, tracker, ingest.Options{QueryDays: 365})

	return api.NewServer(api.Deps{
		Auth:       identity.NewGoogleProvider("client", "secret", "postmessage", nil),
		Sessions:   sessions,
		Generator:  pipeline,
		Progress:   hub,
		SessionTTL: time.Hour,
	}).Router()
}

func TestHealthEndpoint(t *testing.T) {
	router := newWiredRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "ok", response["status"])
}

func TestAuthCodeEndpoint_InvalidRequest(t *testing.T) {
	router := newWiredRouter(t)

	// Test missing fields
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/auth_code", bytes.NewBuffer([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateEndpoint_WithoutSession(t *testing.T) {
	router := newWiredRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/graph?user_id=nobody", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProgressEndpoint_NoRun(t *testing.T) {
	router := newWiredRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/graph/progress?user_id=nobody", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}
