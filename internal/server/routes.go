package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/engine"
	"github.com/agentlanes/agentlanes/history"
)

// EngineControl is the engine surface the API exposes.
type EngineControl interface {
	GetState() *engine.Execution
	IsActive() bool
	WaitingGates() []string
	SubmitGateDecision(nodeID string, decision engine.GateDecision) error
}

// HistoryView is the read surface over the execution archive.
type HistoryView interface {
	List() []history.Summary
	Get(id string) (*history.Entry, error)
}

// API serves the control endpoints.
type API struct {
	engine   EngineControl
	history  HistoryView
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewAPI wires the control surface. history and gatherer may be nil; the
// corresponding endpoints then report 404.
func NewAPI(eng EngineControl, hist HistoryView, hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		engine:   eng,
		history:  hist,
		hub:      hub,
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// Handler builds the route table. authSecret, when non-empty, guards every
// endpoint except /healthz with JWT bearer auth.
func (a *API) Handler(authSecret string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /api/v1/execution", a.handleExecution)
	mux.HandleFunc("GET /api/v1/executions", a.handleExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", a.handleExecutionByID)
	mux.HandleFunc("GET /api/v1/gates", a.handleGates)
	mux.HandleFunc("POST /api/v1/gates/{node}", a.handleGateDecision)
	mux.HandleFunc("GET /events", a.handleEvents)

	return jwtAuth(authSecret, a.logger, mux)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleExecution(w http.ResponseWriter, _ *http.Request) {
	state := a.engine.GetState()
	if state == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active execution"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleExecutions(w http.ResponseWriter, _ *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	writeJSON(w, http.StatusOK, a.history.List())
}

func (a *API) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	entry, err := a.history.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleGates(w http.ResponseWriter, _ *http.Request) {
	gates := a.engine.WaitingGates()
	if gates == nil {
		gates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"waiting": gates})
}

func (a *API) handleGateDecision(w http.ResponseWriter, r *http.Request) {
	var decision engine.GateDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed decision body"})
		return
	}
	switch decision.Action {
	case engine.GateApprove, engine.GateReject, engine.GateRevise:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be approve, reject or revise"})
		return
	}

	nodeID := r.PathValue("node")
	if err := a.engine.SubmitGateDecision(nodeID, decision); err != nil {
		status := http.StatusConflict
		if errors.Is(err, engine.ErrNoActiveExecution) || errors.Is(err, engine.ErrNotWaitingGate) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"node": nodeID, "action": string(decision.Action)})
}

// handleEvents upgrades to a websocket and streams events until the client
// goes away. Each frame is one flat event object, same shape as the NDJSON
// stdout stream.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	events, cancel := a.hub.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
