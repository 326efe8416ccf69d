package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/assessment_monitor/memstore"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/workflow"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubMonitor struct {
	summary workflow.DailySnapshotSummary
	err     error
}

func (s stubMonitor) RunDailySnapshot(context.Context) (workflow.DailySnapshotSummary, error) {
	return s.summary, s.err
}

type stubGhosts struct{}

func (stubGhosts) CheckForOwnershipChanges(context.Context) (int, error) { return 2, nil }

func (stubGhosts) RunAllComparisons(context.Context) (workflow.ComparisonSummary, error) {
	return workflow.ComparisonSummary{Periods: 3, NewEvidence: 1}, nil
}

type stubClosures struct {
	err    error
	events []workflow.ClosureEvent
}

func (s *stubClosures) HandleClosure(_ context.Context, ev workflow.ClosureEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func newTestRouter(h *Handlers) *gin.Engine {
	if h.Monitor == nil {
		h.Monitor = stubMonitor{}
	}
	if h.Ghosts == nil {
		h.Ghosts = stubGhosts{}
	}
	if h.Evidence == nil {
		h.Evidence = memstore.New()
	}
	return NewRouter(h)
}

func do(r http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := do(newTestRouter(&Handlers{}), http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTriggerDailySnapshot(t *testing.T) {
	r := newTestRouter(&Handlers{Monitor: stubMonitor{summary: workflow.DailySnapshotSummary{Snapshots: 4, Closed: 1}}})
	w := do(r, http.MethodPost, "/api/monitor/daily-snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got workflow.DailySnapshotSummary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got.Snapshots != 4 || got.Closed != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}
	if w.Header().Get("x-correlation-id") == "" {
		t.Fatalf("missing correlation id header")
	}

	r = newTestRouter(&Handlers{Monitor: stubMonitor{err: workflow.ErrRunInProgress}})
	if w := do(r, http.MethodPost, "/api/monitor/daily-snapshot", nil); w.Code != http.StatusConflict {
		t.Fatalf("in-progress status = %d", w.Code)
	}

	r = newTestRouter(&Handlers{Monitor: stubMonitor{err: errors.New("feed down")}})
	if w := do(r, http.MethodPost, "/api/monitor/daily-snapshot", nil); w.Code != http.StatusBadGateway {
		t.Fatalf("feed failure status = %d", w.Code)
	}
}

func TestLastRun(t *testing.T) {
	r := newTestRouter(&Handlers{LastRun: func(context.Context, *workflow.DailySnapshotSummary) (bool, error) {
		return false, nil
	}})
	if w := do(r, http.MethodGet, "/api/monitor/last-run", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}

	r = newTestRouter(&Handlers{LastRun: func(_ context.Context, dest *workflow.DailySnapshotSummary) (bool, error) {
		dest.RunId = "run-1"
		return true, nil
	}})
	w := do(r, http.MethodGet, "/api/monitor/last-run", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"run-1"`)) {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestGhostRoutes(t *testing.T) {
	r := newTestRouter(&Handlers{})
	w := do(r, http.MethodPost, "/api/ghost/check", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"created":2`)) {
		t.Fatalf("check: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodPost, "/api/ghost/compare", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"new_evidence":1`)) {
		t.Fatalf("compare: %d %s", w.Code, w.Body.String())
	}
}

func TestEvidenceHandler(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	period := &models.GhostOwnershipPeriod{JobGuid: "A", TakeoverUsername: "alice", Status: models.OwnershipPeriodStatusActive}
	_ = store.CreatePeriod(ctx, period)
	_, _ = store.InsertEvidence(ctx, period.ID, []models.GhostUnitEvidence{
		models.NewGhostUnitEvidence(period, models.BaselineUnit{UnitId: "u1"}, period.TakeoverDate),
		models.NewGhostUnitEvidence(period, models.BaselineUnit{UnitId: "u2"}, period.TakeoverDate),
	})

	r := newTestRouter(&Handlers{Evidence: store})
	w := do(r, http.MethodGet, "/api/ghost/evidence?job_guid=A&limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Count int                        `json:"count"`
		Data  []models.GhostUnitEvidence `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Data[0].UnitId != "u1" {
		t.Fatalf("body = %s", w.Body.String())
	}

	if w := do(r, http.MethodGet, "/api/ghost/evidence?job_guid=B", nil); !bytes.Contains(w.Body.Bytes(), []byte(`"count":0`)) {
		t.Fatalf("other job: %s", w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/ghost/evidence?period_id=x", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad period id status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/ghost/evidence?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
}

func TestEvidenceHandler_StatusFilter(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	period := &models.GhostOwnershipPeriod{JobGuid: "A", TakeoverUsername: "alice", Status: models.OwnershipPeriodStatusActive}
	_ = store.CreatePeriod(ctx, period)
	_, _ = store.InsertEvidence(ctx, period.ID, []models.GhostUnitEvidence{
		models.NewGhostUnitEvidence(period, models.BaselineUnit{UnitId: "u1"}, period.TakeoverDate),
	})
	r := newTestRouter(&Handlers{Evidence: store})

	if w := do(r, http.MethodGet, "/api/ghost/evidence?status=active", nil); !bytes.Contains(w.Body.Bytes(), []byte(`"count":1`)) {
		t.Fatalf("active: %s", w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/ghost/evidence?status=resolved", nil); !bytes.Contains(w.Body.Bytes(), []byte(`"count":0`)) {
		t.Fatalf("resolved: %s", w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/ghost/evidence?status=closed", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown status code = %d", w.Code)
	}
}

func TestMonitorHandler(t *testing.T) {
	store := memstore.New()
	_, _ = store.UpsertMonitor(context.Background(), "A", func(m *models.AssessmentMonitor, isNew bool) error {
		m.RecordSnapshot("2024-03-01", models.SnapshotPayload{})
		return nil
	})
	r := newTestRouter(&Handlers{Monitors: store})

	w := do(r, http.MethodGet, "/api/monitor/assessments/A", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"2024-03-01"`)) {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/monitor/assessments/Z", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing monitor status = %d", w.Code)
	}
}

type stubResolver struct {
	err error
}

func (s stubResolver) ResolvePeriodById(_ context.Context, id uint) (*models.GhostOwnershipPeriod, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := &models.GhostOwnershipPeriod{Status: models.OwnershipPeriodStatusResolved}
	p.ID = id
	return p, nil
}

func TestResolvePeriodHandler(t *testing.T) {
	r := newTestRouter(&Handlers{Periods: stubResolver{}})
	w := do(r, http.MethodPost, "/api/ghost/periods/7/resolve", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"resolved"`)) {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/api/ghost/periods/x/resolve", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}

	r = newTestRouter(&Handlers{Periods: stubResolver{err: models.ErrRecordNotFound}})
	if w := do(r, http.MethodPost, "/api/ghost/periods/7/resolve", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}
	r = newTestRouter(&Handlers{Periods: stubResolver{err: errors.New("inventory down")}})
	if w := do(r, http.MethodPost, "/api/ghost/periods/7/resolve", nil); w.Code != http.StatusBadGateway {
		t.Fatalf("failure status = %d", w.Code)
	}
}

func pushBody(t *testing.T, data []byte) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"message":      map[string]any{"data": data, "messageId": "m-1"},
		"subscription": "projects/p/subscriptions/assessment-closed-push",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestClosurePushHandler(t *testing.T) {
	closures := &stubClosures{}
	r := newTestRouter(&Handlers{Closures: closures})

	ev, _ := json.Marshal(workflow.ClosureEvent{EventId: "e-1", JobGuid: "A"})
	if w := do(r, http.MethodPost, "/pubsub/assessment-closed", pushBody(t, ev)); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if len(closures.events) != 1 || closures.events[0].JobGuid != "A" {
		t.Fatalf("events = %+v", closures.events)
	}

	// Poison messages are acked.
	if w := do(r, http.MethodPost, "/pubsub/assessment-closed", []byte("not json")); w.Code != http.StatusNoContent {
		t.Fatalf("bad envelope status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/pubsub/assessment-closed", pushBody(t, []byte(`{}`))); w.Code != http.StatusNoContent {
		t.Fatalf("event without job guid status = %d", w.Code)
	}
	if len(closures.events) != 1 {
		t.Fatalf("poison messages reached the handler")
	}

	// Handler failures are nacked so Pub/Sub redelivers.
	closures.err = errors.New("db down")
	if w := do(r, http.MethodPost, "/pubsub/assessment-closed", pushBody(t, ev)); w.Code != http.StatusInternalServerError {
		t.Fatalf("failure status = %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	if w := do(newTestRouter(&Handlers{}), http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
