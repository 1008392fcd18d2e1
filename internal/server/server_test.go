package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlanes/agentlanes/config"
	"github.com/agentlanes/agentlanes/engine"
	"github.com/agentlanes/agentlanes/history"
)

type fakeEngine struct {
	state    *engine.Execution
	gates    []string
	decision engine.GateDecision
	decided  string
	err      error
}

func (f *fakeEngine) GetState() *engine.Execution { return f.state }
func (f *fakeEngine) IsActive() bool              { return f.state != nil }
func (f *fakeEngine) WaitingGates() []string      { return f.gates }
func (f *fakeEngine) SubmitGateDecision(nodeID string, d engine.GateDecision) error {
	if f.err != nil {
		return f.err
	}
	f.decided = nodeID
	f.decision = d
	return nil
}

type fakeHistory struct {
	entries map[string]*history.Entry
}

func (f *fakeHistory) List() []history.Summary {
	var out []history.Summary
	for id := range f.entries {
		out = append(out, history.Summary{ID: id})
	}
	return out
}

func (f *fakeHistory) Get(id string) (*history.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return e, nil
}

func newTestServer(t *testing.T, eng *fakeEngine, secret string) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	hist := &fakeHistory{entries: map[string]*history.Entry{
		"known": {ID: "known", WorkflowID: "wf", Status: engine.ExecutionCompleted},
	}}
	api := NewAPI(eng, hist, hub, nil, nil)
	srv := httptest.NewServer(api.Handler(secret))
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{}, "")
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecutionState(t *testing.T) {
	eng := &fakeEngine{}
	srv, _ := newTestServer(t, eng, "")

	resp, err := http.Get(srv.URL + "/api/v1/execution")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	eng.state = &engine.Execution{ID: "exec-1", Status: engine.ExecutionRunning}
	resp, err = http.Get(srv.URL + "/api/v1/execution")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var state engine.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "exec-1", state.ID)
}

func TestHistoryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{}, "")

	resp, err := http.Get(srv.URL + "/api/v1/executions/known")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/v1/executions/ghost")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestGateDecision(t *testing.T) {
	eng := &fakeEngine{gates: []string{"review"}}
	srv, _ := newTestServer(t, eng, "")

	body := strings.NewReader(`{"action":"approve"}`)
	resp, err := http.Post(srv.URL+"/api/v1/gates/review", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "review", eng.decided)
	assert.Equal(t, engine.GateApprove, eng.decision.Action)
}

func TestGateDecisionBadAction(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{}, "")

	resp, err := http.Post(srv.URL+"/api/v1/gates/review", "application/json",
		strings.NewReader(`{"action":"maybe"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateDecisionNotWaiting(t *testing.T) {
	eng := &fakeEngine{err: engine.ErrNotWaitingGate}
	srv, _ := newTestServer(t, eng, "")

	resp, err := http.Post(srv.URL+"/api/v1/gates/review", "application/json",
		strings.NewReader(`{"action":"reject"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	srv, _ := newTestServer(t, &fakeEngine{}, secret)

	// Health stays open.
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// API requires a token.
	resp, err = http.Get(srv.URL + "/api/v1/gates")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A garbage token is rejected.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/gates", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A signed token passes.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/gates", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	srv, hub := newTestServer(t, &fakeEngine{}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Emit(engine.Event{Channel: engine.ChannelNodeCompleted, ExecutionID: "exec-1", NodeID: "a"})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, engine.ChannelNodeCompleted, m["channel"])
	assert.Equal(t, "a", m["node_id"])
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overflow the buffer; Emit must not block.
	for i := 0; i < 300; i++ {
		hub.Emit(engine.Event{Channel: engine.ChannelNodeStarted})
	}
	assert.Equal(t, 256, len(ch))
}

func TestManagerLifecycle(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"

	m := NewManager(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), cfg, nil)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "double start is rejected")

	resp, err := http.Get("http://" + m.Addr())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Shutdown(context.Background()), "shutdown is idempotent")
}
