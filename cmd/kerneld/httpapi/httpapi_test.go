package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cliorchestrator/kernel/internal/approval"
	"github.com/cliorchestrator/kernel/internal/dispatch"
	"github.com/cliorchestrator/kernel/internal/eventbus"
	"github.com/cliorchestrator/kernel/internal/lockmgr"
	"github.com/cliorchestrator/kernel/internal/roleoracle"
	"github.com/cliorchestrator/kernel/internal/spawner"
	"github.com/cliorchestrator/kernel/internal/storage"
	"github.com/cliorchestrator/kernel/internal/usage"
)

type testBus struct{ bus *eventbus.Bus }

func (b *testBus) PublishLockEvent(topic, resourceType, resourceID, ownerID string) {
	b.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "lockmgr", "all", eventbus.PriorityNormal, map[string]interface{}{
		"resource_type": resourceType, "resource_id": resourceID, "owner_id": ownerID,
	}))
}
func (b *testBus) PublishUsageEvent(topic string, payload map[string]interface{}) {
	b.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "usage", "all", eventbus.PriorityNormal, payload))
}
func (b *testBus) PublishApprovalEvent(topic, requestID string, payload map[string]interface{}) {
	b.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "approval", "all", eventbus.PriorityNormal, payload))
}
func (b *testBus) PublishAgentEvent(topic, agentID string, payload map[string]interface{}) {
	b.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "spawner", "all", eventbus.PriorityNormal, payload))
}
func (b *testBus) PublishTaskEvent(topic, taskID string, payload map[string]interface{}) {
	b.bus.Publish(eventbus.NewEvent(eventbus.EventType(topic), "dispatch", "all", eventbus.PriorityNormal, payload))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := &testBus{bus: eventbus.NewBus(nil)}

	locks := lockmgr.NewInProcessManager(300, bus)
	t.Cleanup(locks.Close)

	meter := usage.NewMeter(usage.NewStore(db.Conn()), nil, bus, usage.DefaultPlanLimits(), 90)
	sp := spawner.New("true", 5, bus, meter)

	approvalStore := approval.NewStore(db.Conn())
	policies := approval.NewPolicyStore(nil)
	roles := roleoracle.NewStatic(nil)
	gate, err := approval.NewGate(approvalStore, policies, bus, roles)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	d := dispatch.New(sp, locks, gate, policies, bus)

	return New(d, gate, locks, sp, meter)
}

func TestSubmitAndQueryTask(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]interface{}{
		"description": "run the smoke tests",
		"priority":    5,
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var submitted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	if submitted.ID == "" {
		t.Fatal("expected non-empty task id")
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/tasks/"+submitted.ID, nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)

	if statusRec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body = %s", statusRec.Code, statusRec.Body.String())
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
