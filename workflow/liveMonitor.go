package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/sources"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const LastDailySnapshotKey = "monitor:daily-snapshot:last-run"

var ErrRunInProgress = errors.New("a run is already in progress")

type DailySnapshotSummary struct {
	RunId          string    `json:"run_id"`
	Snapshots      int       `json:"snapshots"`
	New            int       `json:"new"`
	Closed         int       `json:"closed"`
	Failed         int       `json:"failed"`
	ClosureSkipped bool      `json:"closure_skipped"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// LiveMonitorService snapshots active assessments once a day and announces closures.
type LiveMonitorService struct {
	Store      MonitorStore
	Feed       sources.ActiveAssessmentFeed
	Metrics    sources.MetricsSource
	Dispatcher ClosureDispatcher
	Locker     Locker
	Logger     *logrus.Logger
	Settings   config.MonitorSettings
	Now        func() time.Time
}

func NewLiveMonitorService(store MonitorStore, feed sources.ActiveAssessmentFeed, metrics sources.MetricsSource, dispatcher ClosureDispatcher, logger *logrus.Logger, settings config.MonitorSettings) *LiveMonitorService {
	return &LiveMonitorService{
		Store:      store,
		Feed:       feed,
		Metrics:    metrics,
		Dispatcher: dispatcher,
		Locker:     NoopLocker{},
		Logger:     logger,
		Settings:   settings,
		Now:        time.Now,
	}
}

func (s *LiveMonitorService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *LiveMonitorService) location() *time.Location {
	if s.Settings.Location != nil {
		return s.Settings.Location
	}
	return time.UTC
}

func (s *LiveMonitorService) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.Settings.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// SnapshotAssessment records today's metrics for jobGuid, creating the monitor on first sight.
// It reports whether the monitor was created by this call. Zeroed metrics are a valid snapshot;
// only transport and store failures return an error.
func (s *LiveMonitorService) SnapshotAssessment(ctx context.Context, jobGuid string, descriptive models.AssessmentDescriptive) (bool, error) {
	mctx, cancel := s.upstreamContext(ctx)
	metrics, err := s.Metrics.GetDailySnapshotMetrics(mctx, jobGuid)
	cancel()
	if err != nil {
		return false, fmt.Errorf("fetch metrics for %s: %w", jobGuid, err)
	}

	now := s.now()
	date := now.In(s.location()).Format(models.SnapshotDateLayout)

	locker := s.Locker
	if locker == nil {
		locker = NoopLocker{}
	}
	release, err := locker.Acquire(ctx, assessmentLockKey(jobGuid), 30*time.Second)
	if err != nil {
		return false, err
	}
	defer release()

	var payload models.SnapshotPayload
	created, err := s.Store.UpsertMonitor(ctx, jobGuid, func(m *models.AssessmentMonitor, isNew bool) error {
		m.ApplyDescriptive(descriptive)
		payload = buildSnapshotPayload(metrics, m, s.Settings.AgingThresholdDays, now)
		previous, _ := m.SnapshotBefore(date)
		payload.Suspicious = models.IsSuspiciousDrop(previous, payload)
		m.RecordSnapshot(date, payload)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save snapshot for %s: %w", jobGuid, err)
	}

	if payload.Suspicious && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":    "LiveMonitorService",
			"job_guid": jobGuid,
			"date":     date,
		}).Warn("assessment unit count dropped to zero")
	}
	return created, nil
}

func buildSnapshotPayload(metrics sources.SnapshotMetrics, m *models.AssessmentMonitor, agingDays int, capturedAt time.Time) models.SnapshotPayload {
	breakdown := make([]models.WorkTypeQuantity, 0, len(metrics.WorkTypeBreakdown))
	for _, w := range metrics.WorkTypeBreakdown {
		breakdown = append(breakdown, models.WorkTypeQuantity{UnitType: w.UnitType, UnitQty: w.UnitQty})
	}
	return models.SnapshotPayload{
		PermissionBreakdown: models.PermissionBreakdown{
			Approved:    metrics.Approved,
			Pending:     metrics.Pending,
			Refused:     metrics.Refused,
			NoContact:   metrics.NoContact,
			Deferred:    metrics.Deferred,
			PplApproved: metrics.PplApproved,
		},
		UnitCounts: models.UnitCounts{
			TotalUnits: metrics.TotalUnits,
			WorkUnits:  metrics.WorkUnits,
			NwUnits:    metrics.NwUnits,
		},
		WorkTypeBreakdown: breakdown,
		Footage: models.FootageMetrics{
			TotalMiles:      m.TotalMiles,
			CompletedMiles:  m.CompletedMiles,
			PercentComplete: m.PercentComplete,
		},
		NotesCompliance: models.NotesCompliance{
			UnitsRequiringNotes: metrics.UnitsRequiringNotes,
			UnitsWithNotes:      metrics.UnitsWithNotes,
			UnitsWithoutNotes:   metrics.UnitsWithoutNotes,
			CompliancePercent:   metrics.CompliancePercent,
		},
		PlannerActivity: models.PlannerActivity{
			LastEditDate: metrics.LastEditDate,
			LastEditBy:   metrics.LastEditBy,
			CurrentOwner: m.CurrentOwner,
			Status:       m.CurrentStatus,
		},
		AgingUnits: models.AgingUnits{
			PendingOverThreshold: metrics.PendingOverThreshold,
			ThresholdDays:        agingDays,
		},
		CapturedAt: capturedAt.UTC(),
	}
}

func descriptiveFromActive(a sources.ActiveAssessment) models.AssessmentDescriptive {
	return models.AssessmentDescriptive{
		Region:          a.Region,
		LineName:        a.LineName,
		ScopeYear:       a.ScopeYear,
		CycleType:       a.CycleType,
		Status:          a.Status,
		CurrentOwner:    a.CurrentOwner,
		TotalMiles:      a.TotalMiles,
		CompletedMiles:  a.CompletedMiles,
		PercentComplete: a.PercentComplete,
	}
}

// RunDailySnapshot is the scheduled entry point. A failing assessment is counted in Failed
// and retried by the next run; it does not abort the batch. If the active feed itself fails,
// nothing is snapshotted and no closure is inferred. If the feed returned rows it could not
// decode, the decoded ones are snapshotted but closure inference waits for a complete list.
func (s *LiveMonitorService) RunDailySnapshot(ctx context.Context) (DailySnapshotSummary, error) {
	ctx, span := otel.Tracer("workflow").Start(ctx, "LiveMonitorService.RunDailySnapshot")
	defer span.End()

	summary := DailySnapshotSummary{RunId: uuid.NewString(), StartedAt: s.now()}

	locker := s.Locker
	if locker == nil {
		locker = NoopLocker{}
	}
	ttl := s.Settings.RunLockTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	release, err := locker.Acquire(ctx, "monitor:daily-snapshot:run", ttl)
	if errors.Is(err, ErrLockNotObtained) {
		return summary, ErrRunInProgress
	}
	if err != nil {
		return summary, err
	}
	defer release()

	fctx, cancel := s.upstreamContext(ctx)
	active, err := s.Feed.GetActiveAssessments(fctx)
	cancel()
	incomplete := errors.Is(err, sources.ErrIncompleteFeed)
	if err != nil && !incomplete {
		return summary, fmt.Errorf("fetch active assessments: %w", err)
	}
	if incomplete {
		config.LogError(s.Logger, "workflow", "RunDailySnapshot", "active feed incomplete, closure inference skipped", logrus.Fields{"run_id": summary.RunId}, err)
		summary.ClosureSkipped = true
	}
	if len(active) == 0 {
		summary.FinishedAt = s.now()
		return summary, nil
	}

	activeIds := make(map[string]struct{}, len(active))
	for _, a := range active {
		activeIds[a.AssessmentId] = struct{}{}
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	limit := s.Settings.SnapshotConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, a := range active {
		a := a
		g.Go(func() error {
			created, err := s.SnapshotAssessment(ctx, a.AssessmentId, descriptiveFromActive(a))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				config.LogError(s.Logger, "workflow", "RunDailySnapshot", "snapshot failed", logrus.Fields{"job_guid": a.AssessmentId}, err)
				return nil
			}
			summary.Snapshots++
			if created {
				summary.New++
			}
			return nil
		})
	}
	_ = g.Wait()

	if !incomplete {
		closed, err := s.DetectClosedAssessments(ctx, activeIds)
		if err != nil {
			summary.FinishedAt = s.now()
			return summary, fmt.Errorf("detect closed assessments: %w", err)
		}
		summary.Closed = len(closed)
	}
	summary.FinishedAt = s.now()

	span.SetAttributes(
		attribute.Int("snapshots", summary.Snapshots),
		attribute.Int("new", summary.New),
		attribute.Int("closed", summary.Closed),
		attribute.Int("failed", summary.Failed),
	)
	if err := config.SetRedisObject(ctx, LastDailySnapshotKey, summary, 0); err != nil {
		config.LogError(s.Logger, "workflow", "RunDailySnapshot", "cache run summary", nil, err)
	}
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":     "LiveMonitorService",
			"run_id":    summary.RunId,
			"trigger":   appctx.GetTrigger(ctx),
			"snapshots": summary.Snapshots,
			"new":       summary.New,
			"closed":    summary.Closed,
			"failed":    summary.Failed,
			"skipped":   summary.ClosureSkipped,
		}).Info("daily snapshot finished")
	}
	return summary, nil
}

// DetectClosedAssessments returns every stored monitor whose id is not in activeIds and
// dispatches one closure event for each. Dispatch failures are logged; the monitor is
// still reported as closed and will be detected again on the next run.
func (s *LiveMonitorService) DetectClosedAssessments(ctx context.Context, activeIds map[string]struct{}) ([]models.AssessmentMonitor, error) {
	monitors, err := s.Store.ListMonitors(ctx)
	if err != nil {
		return nil, err
	}
	closed := make([]models.AssessmentMonitor, 0)
	for _, m := range monitors {
		if _, ok := activeIds[m.JobGuid]; ok {
			continue
		}
		closed = append(closed, m)
	}

	detectedAt := s.now()
	for _, m := range closed {
		if s.Dispatcher == nil {
			continue
		}
		if err := s.Dispatcher.Dispatch(ctx, NewClosureEvent(m, detectedAt)); err != nil {
			config.LogError(s.Logger, "workflow", "DetectClosedAssessments", "dispatch closure event", logrus.Fields{"job_guid": m.JobGuid}, err)
		}
	}
	return closed, nil
}
