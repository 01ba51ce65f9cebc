// Package httpapi is the kernel's thin HTTP surface: submit a task,
// decide an approval, query task/agent/lock/usage status. It is a
// mechanical JSON translation over the component APIs, not a control
// surface in its own right — every decision still happens inside the
// component the request reaches.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cliorchestrator/kernel/internal/approval"
	"github.com/cliorchestrator/kernel/internal/dispatch"
	"github.com/cliorchestrator/kernel/internal/lockmgr"
	"github.com/cliorchestrator/kernel/internal/spawner"
	"github.com/cliorchestrator/kernel/internal/usage"
	"github.com/gorilla/mux"
)

// Server exposes the kernel's components over HTTP.
type Server struct {
	dispatcher *dispatch.Dispatcher
	gate       *approval.Gate
	locks      *lockmgr.Manager
	spawnerSvc *spawner.Spawner
	meter      *usage.Meter
}

// New builds a Server wired to the kernel's live components.
func New(d *dispatch.Dispatcher, g *approval.Gate, l *lockmgr.Manager, s *spawner.Spawner, m *usage.Meter) *Server {
	return &Server{dispatcher: d, gate: g, locks: l, spawnerSvc: s, meter: m}
}

// Router builds the mux.Router serving every endpoint below.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)

	r.HandleFunc("/approvals/{id}/decide", s.handleDecideApproval).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/bypass", s.handleBypassApproval).Methods(http.MethodPost)
	r.HandleFunc("/approvals/pending", s.handlePendingApprovals).Methods(http.MethodGet)

	r.HandleFunc("/agents/{id}", s.handleAgentStatus).Methods(http.MethodGet)
	r.HandleFunc("/locks", s.handleActiveLocks).Methods(http.MethodGet)
	r.HandleFunc("/usage/{userID}", s.handleUsageSummary).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description  string            `json:"description"`
		Prompt       string            `json:"prompt"`
		Priority     int               `json:"priority"`
		Context      map[string]string `json:"context"`
		Dependencies []string          `json:"dependencies"`
		Locks        []dispatch.LockRequest `json:"locks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task := dispatch.NewTask(req.Description, req.Prompt, req.Priority)
	task.Context = req.Context
	task.Dependencies = req.Dependencies
	task.Locks = req.Locks

	id, err := s.dispatcher.Submit(task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Queue())
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.dispatcher.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.dispatcher.Cancel(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "cancelled"})
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		ActorID string          `json:"actor_id"`
		Choice  approval.Choice `json:"choice"`
		Reason  string          `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	decided, err := s.gate.Decide(id, req.ActorID, req.Choice, req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

func (s *Server) handleBypassApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bypassed, err := s.gate.Bypass(id, req.ActorID, req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, bypassed)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	pending, err := s.gate.PendingFor(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.spawnerSvc.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleActiveLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.ActiveLocks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	window := usage.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = usage.WindowDay
	}

	summary, err := s.meter.Summary(window, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
