package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"DistMR/internal/coordinator"
	"DistMR/internal/journal"
	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/registry"
	"DistMR/internal/types"
)

type nopConn struct{}

func (nopConn) Send(*protocol.Message) error { return nil }
func (nopConn) Close() error                 { return nil }

type fakeJournal struct {
	jobs map[string]*journal.JobState
}

func (f *fakeJournal) Job(id string) (*journal.JobState, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeJournal) Leader() string { return "127.0.0.1:9001" }

func newTestServer(t *testing.T, gate *coordinator.ManualGate, jv JournalView) (*Server, *coordinator.Master) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	lg := logger.Discard()
	reg := registry.NewWorkerRegistry(lg)
	reg.Register(1, types.WorkerAddress{Host: "127.0.0.1", Port: 5001}, nopConn{})
	m := coordinator.NewMaster(coordinator.Config{}, reg, lg)
	return NewServer(ServerOpts{ID: "coordinator"}, m, gate, jv, lg), m
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestStatus(t *testing.T) {
	s, m := newTestServer(t, nil, nil)

	w := do(s, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body %s: %v", w.Body, err)
	}
	if resp.JobID != m.JobID() || resp.Phase != types.JobIdle {
		t.Errorf("unexpected status %+v", resp)
	}
	if resp.Registry.Workers[1].Status != types.WorkerRegistered {
		t.Errorf("worker 1 missing from status: %+v", resp.Registry.Workers)
	}
}

func TestAdvance(t *testing.T) {
	auto, _ := newTestServer(t, nil, nil)
	if w := do(auto, http.MethodPost, "/phases/advance"); w.Code != http.StatusConflict {
		t.Errorf("automatic mode should refuse advance, got %d", w.Code)
	}

	gate := coordinator.NewManualGate()
	manual, _ := newTestServer(t, gate, nil)
	if w := do(manual, http.MethodPost, "/phases/advance"); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	if w := do(manual, http.MethodPost, "/phases/advance"); w.Code != http.StatusConflict {
		t.Errorf("second trigger should conflict, got %d", w.Code)
	}
}

func TestResolve(t *testing.T) {
	s, m := newTestServer(t, nil, nil)

	if w := do(s, http.MethodPost, "/workers/abc/resolve"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/workers/1/resolve"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without an anomaly, got %d", w.Code)
	}

	m.Registry().Register(1, types.WorkerAddress{Host: "127.0.0.1", Port: 5009}, nopConn{})
	if w := do(s, http.MethodPost, "/workers/1/resolve"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if len(m.Registry().Snapshot().Anomalies) != 0 {
		t.Error("anomaly still recorded after resolve")
	}
}

func TestJournal(t *testing.T) {
	disabled, _ := newTestServer(t, nil, nil)
	if w := do(disabled, http.MethodGet, "/journal"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a journal, got %d", w.Code)
	}

	jv := &fakeJournal{jobs: make(map[string]*journal.JobState)}
	s, m := newTestServer(t, nil, jv)
	if w := do(s, http.MethodGet, "/journal"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before anything is journaled, got %d", w.Code)
	}

	jv.jobs[m.JobID()] = &journal.JobState{JobID: m.JobID(), Phase: types.JobMap}
	w := do(s, http.MethodGet, "/journal")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Leader string           `json:"leader"`
		Job    journal.JobState `json:"job"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Job.Phase != types.JobMap || body.Leader == "" {
		t.Errorf("unexpected journal body %s", w.Body)
	}
}
