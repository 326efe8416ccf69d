package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/memstore"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/sources"
	"github.com/shopspring/decimal"
)

type liveFixture struct {
	store      *memstore.Store
	feed       *fakeFeed
	metrics    *fakeMetrics
	dispatcher *recordingDispatcher
	clock      *clock
	svc        *LiveMonitorService
}

func newLiveFixture() *liveFixture {
	f := &liveFixture{
		store:      memstore.New(),
		feed:       &fakeFeed{},
		metrics:    newFakeMetrics(),
		dispatcher: &recordingDispatcher{},
		clock:      &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.store.Now = f.clock.Now
	f.svc = NewLiveMonitorService(f.store, f.feed, f.metrics, f.dispatcher, nil, testSettings())
	f.svc.Now = f.clock.Now
	return f
}

func TestSnapshotAssessment_AppendsAcrossDates(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()

	f.metrics.set("A", 10)
	created, err := f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{Region: "North"})
	if err != nil || !created {
		t.Fatalf("first snapshot: created=%v err=%v", created, err)
	}

	f.clock.Set(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))
	f.metrics.set("A", 12)
	created, err = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})
	if err != nil || created {
		t.Fatalf("second snapshot: created=%v err=%v", created, err)
	}

	m, err := f.store.FindMonitor(ctx, "A")
	if err != nil {
		t.Fatalf("FindMonitor: %v", err)
	}
	series := m.Snapshots()
	if len(series) != 2 {
		t.Fatalf("expected 2 dates, got %v", m.SnapshotDates())
	}
	if series["2024-03-01"].UnitCounts.TotalUnits != 10 || series["2024-03-02"].UnitCounts.TotalUnits != 12 {
		t.Fatalf("unexpected series: %+v", series)
	}
	if m.Region != "North" {
		t.Fatalf("region overwritten by an absent value: %q", m.Region)
	}
	if *m.LastSnapshotDate != "2024-03-02" || m.LatestSnapshot.Data().UnitCounts.TotalUnits != 12 {
		t.Fatalf("latest not refreshed: %v", *m.LastSnapshotDate)
	}
}

func TestSnapshotAssessment_SameDayRerunReplacesDay(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()

	f.metrics.set("A", 10)
	if _, err := f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{}); err != nil {
		t.Fatal(err)
	}
	f.clock.Set(time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC))
	f.metrics.set("A", 11)
	if _, err := f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{}); err != nil {
		t.Fatal(err)
	}

	m, _ := f.store.FindMonitor(ctx, "A")
	if dates := m.SnapshotDates(); len(dates) != 1 {
		t.Fatalf("expected one date, got %v", dates)
	}
	if m.Snapshots()["2024-03-01"].UnitCounts.TotalUnits != 11 {
		t.Fatalf("rerun did not replace the day")
	}
}

func TestSnapshotAssessment_FlagsDropToZero(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()

	f.metrics.set("A", 0)
	if _, err := f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{}); err != nil {
		t.Fatal(err)
	}
	m, _ := f.store.FindMonitor(ctx, "A")
	if m.LatestSnapshot.Data().Suspicious {
		t.Fatalf("first snapshot must not be suspicious")
	}

	f.clock.Set(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))
	f.metrics.set("A", 8)
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})

	f.clock.Set(time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC))
	f.metrics.set("A", 0)
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})
	m, _ = f.store.FindMonitor(ctx, "A")
	if !m.Snapshots()["2024-03-03"].Suspicious {
		t.Fatalf("drop 8 -> 0 should be suspicious")
	}

	// A same-day rerun still compares against the previous day, not against itself.
	f.clock.Set(time.Date(2024, 3, 3, 20, 0, 0, 0, time.UTC))
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})
	m, _ = f.store.FindMonitor(ctx, "A")
	if !m.Snapshots()["2024-03-03"].Suspicious {
		t.Fatalf("same-day rerun lost the suspicious flag")
	}
}

func TestSnapshotAssessment_PayloadCarriesDescriptiveFields(t *testing.T) {
	f := newLiveFixture()
	total := decimal.RequireFromString("12.5")
	f.metrics.set("A", 3)

	_, err := f.svc.SnapshotAssessment(context.Background(), "A", models.AssessmentDescriptive{
		CurrentOwner: "planner1",
		Status:       "ACTIV",
		TotalMiles:   &total,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := f.store.FindMonitor(context.Background(), "A")
	p := m.LatestSnapshot.Data()
	if p.PlannerActivity.CurrentOwner != "planner1" || p.PlannerActivity.Status != "ACTIV" {
		t.Fatalf("planner activity = %+v", p.PlannerActivity)
	}
	if !p.Footage.TotalMiles.Equal(total) || !m.TotalMiles.Equal(total) {
		t.Fatalf("footage = %+v", p.Footage)
	}
	if p.AgingUnits.ThresholdDays != 14 {
		t.Fatalf("threshold days = %d", p.AgingUnits.ThresholdDays)
	}
	if p.WorkTypeBreakdown == nil {
		t.Fatalf("work type breakdown should be an empty list, not nil")
	}
}

func TestSnapshotAssessment_MetricsErrorWritesNothing(t *testing.T) {
	f := newLiveFixture()
	f.metrics.failFor["A"] = true
	if _, err := f.svc.SnapshotAssessment(context.Background(), "A", models.AssessmentDescriptive{}); !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, err := f.store.FindMonitor(context.Background(), "A"); !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("monitor should not exist, got %v", err)
	}
}

func TestRunDailySnapshot_CountsAndClosures(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		f.metrics.set(id, 5)
		if _, err := f.svc.SnapshotAssessment(ctx, id, models.AssessmentDescriptive{}); err != nil {
			t.Fatal(err)
		}
	}

	f.clock.Set(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))
	f.feed.active = []sources.ActiveAssessment{{AssessmentId: "A"}, {AssessmentId: "B"}, {AssessmentId: "D"}}
	f.metrics.set("D", 1)
	f.metrics.failFor["B"] = true

	summary, err := f.svc.RunDailySnapshot(ctx)
	if err != nil {
		t.Fatalf("RunDailySnapshot: %v", err)
	}
	if summary.Snapshots != 2 || summary.New != 1 || summary.Failed != 1 || summary.Closed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.RunId == "" {
		t.Fatalf("missing run id")
	}
	if len(f.dispatcher.events) != 1 || f.dispatcher.events[0].JobGuid != "C" {
		t.Fatalf("closure events = %+v", f.dispatcher.events)
	}
	if f.dispatcher.events[0].Monitor.JobGuid != "C" || f.dispatcher.events[0].EventId == "" {
		t.Fatalf("event should carry the monitor: %+v", f.dispatcher.events[0])
	}

	// The failed assessment is still tracked; it is not treated as closed.
	if _, err := f.store.FindMonitor(ctx, "B"); err != nil {
		t.Fatalf("B should still be monitored: %v", err)
	}
}

func TestRunDailySnapshot_FeedErrorInfersNothing(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()
	f.metrics.set("A", 1)
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})

	f.feed.err = errUpstream
	if _, err := f.svc.RunDailySnapshot(ctx); !errors.Is(err, errUpstream) {
		t.Fatalf("expected feed error, got %v", err)
	}
	if len(f.dispatcher.events) != 0 {
		t.Fatalf("no closure may be inferred from a failed feed")
	}
}

func TestRunDailySnapshot_IncompleteFeedClosesNothing(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()
	f.metrics.set("A", 1)
	f.metrics.set("B", 1)
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})

	f.feed.active = []sources.ActiveAssessment{{AssessmentId: "B"}}
	f.feed.err = fmt.Errorf("%w: dropped 1 of 2 rows", sources.ErrIncompleteFeed)
	summary, err := f.svc.RunDailySnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Snapshots != 1 || summary.Closed != 0 || !summary.ClosureSkipped {
		t.Fatalf("summary = %+v", summary)
	}
	if len(f.dispatcher.events) != 0 {
		t.Fatalf("closure inferred from an incomplete feed: %+v", f.dispatcher.events)
	}
	if _, err := f.store.FindMonitor(ctx, "A"); err != nil {
		t.Fatalf("monitor A should survive: %v", err)
	}
}

func TestRunDailySnapshot_OddFieldShapesKeepAssessmentActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"assessment_id":"A","scope_year":2024},{"assessment_id":"B"}]}`))
	}))
	defer srv.Close()
	client, err := sources.NewClient(srv.URL, "key", 5*time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}

	f := newLiveFixture()
	ctx := context.Background()
	f.metrics.set("A", 1)
	f.metrics.set("B", 1)
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})
	f.svc.Feed = client

	summary, err := f.svc.RunDailySnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Snapshots != 2 || summary.New != 1 || summary.Closed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(f.dispatcher.events) != 0 {
		t.Fatalf("unexpected closure events: %+v", f.dispatcher.events)
	}
	m, err := f.store.FindMonitor(ctx, "A")
	if err != nil || m.ScopeYear != "2024" {
		t.Fatalf("monitor A = %+v err=%v", m, err)
	}
}

func TestRunDailySnapshot_EmptyFeed(t *testing.T) {
	f := newLiveFixture()
	summary, err := f.svc.RunDailySnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Snapshots != 0 || summary.New != 0 || summary.Closed != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunDailySnapshot_LockHeldElsewhere(t *testing.T) {
	f := newLiveFixture()
	f.svc.Locker = busyLocker{}
	if _, err := f.svc.RunDailySnapshot(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestDetectClosedAssessments_DispatchFailureStillReports(t *testing.T) {
	f := newLiveFixture()
	ctx := context.Background()
	f.metrics.set("A", 1)
	_, _ = f.svc.SnapshotAssessment(ctx, "A", models.AssessmentDescriptive{})

	f.dispatcher.err = errors.New("queue full")
	closed, err := f.svc.DetectClosedAssessments(ctx, map[string]struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].JobGuid != "A" {
		t.Fatalf("closed = %+v", closed)
	}
}
