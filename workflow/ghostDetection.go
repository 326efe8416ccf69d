package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/sources"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type BaselineDescriptive struct {
	LineName string
	Region   string
}

type ComparisonSummary struct {
	Periods     int `json:"periods"`
	NewEvidence int `json:"new_evidence"`
	Failed      int `json:"failed"`
}

// GhostDetectionService captures a unit baseline whenever a user takes over an assessment
// and records units that later vanish from it.
type GhostDetectionService struct {
	Store     GhostStore
	Inventory sources.InventorySource
	Changes   sources.OwnershipChangeFeed
	Logger    *logrus.Logger
	Settings  config.MonitorSettings
	Now       func() time.Time
}

func NewGhostDetectionService(store GhostStore, inventory sources.InventorySource, changes sources.OwnershipChangeFeed, logger *logrus.Logger, settings config.MonitorSettings) *GhostDetectionService {
	return &GhostDetectionService{
		Store:     store,
		Inventory: inventory,
		Changes:   changes,
		Logger:    logger,
		Settings:  settings,
		Now:       time.Now,
	}
}

func (s *GhostDetectionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// today is the local calendar date as a UTC midnight, the shape of a DATE column.
func (s *GhostDetectionService) today() time.Time {
	loc := s.Settings.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := s.now().In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *GhostDetectionService) fetchInventory(ctx context.Context, jobGuid string) ([]sources.InventoryUnit, error) {
	timeout := s.Settings.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	units, err := s.Inventory.GetUnitInventory(ictx, jobGuid)
	if err != nil {
		return nil, fmt.Errorf("fetch unit inventory for %s: %w", jobGuid, err)
	}
	return units, nil
}

// CreateBaseline captures the current inventory of jobGuid as the baseline of a new active period.
func (s *GhostDetectionService) CreateBaseline(ctx context.Context, jobGuid, takeoverUsername string, isParentTakeover bool, descriptive BaselineDescriptive) (*models.GhostOwnershipPeriod, error) {
	units, err := s.fetchInventory(ctx, jobGuid)
	if err != nil {
		return nil, err
	}
	baseline := make([]models.BaselineUnit, 0, len(units))
	for _, u := range units {
		baseline = append(baseline, models.BaselineUnit{
			UnitId:           u.UnitId,
			UnitType:         u.UnitType,
			StationName:      u.StationName,
			PermissionStatus: u.PermissionStatus,
			AssignedForester: u.Forester,
		})
	}

	period := &models.GhostOwnershipPeriod{
		JobGuid:          jobGuid,
		TakeoverUsername: takeoverUsername,
		IsParentTakeover: isParentTakeover,
		TakeoverDate:     s.now().UTC(),
		Status:           models.OwnershipPeriodStatusActive,
		LineName:         descriptive.LineName,
		Region:           descriptive.Region,
	}
	period.SetBaseline(baseline)
	if err := s.Store.CreatePeriod(ctx, period); err != nil {
		return nil, fmt.Errorf("create ownership period for %s/%s: %w", jobGuid, takeoverUsername, err)
	}

	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":          "GhostDetectionService",
			"job_guid":       jobGuid,
			"username":       takeoverUsername,
			"period_id":      period.ID,
			"baseline_units": period.BaselineUnitCount,
		}).Info("ownership baseline captured")
	}
	return period, nil
}

// ownershipWatermark is the creation time of the newest period, or now minus the lookback
// window when there is none.
func (s *GhostDetectionService) ownershipWatermark(ctx context.Context) (time.Time, error) {
	latest, err := s.Store.LatestPeriodCreatedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		return *latest, nil
	}
	lookback := s.Settings.GhostLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return s.now().Add(-lookback), nil
}

// CheckForOwnershipChanges opens a baseline for every newly observed (assessment, owner) pair
// and returns how many periods were created. Active periods of the same assessment held by
// another user are resolved, since ownership has moved on.
//
// The cursor is the newest period's created_at, so a pair whose baseline fails is only offered
// again if no other pair in the batch succeeds. Such pairs are logged together as
// "ownership changes skipped" so an operator can re-seed them with CreateBaseline.
func (s *GhostDetectionService) CheckForOwnershipChanges(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("workflow").Start(ctx, "GhostDetectionService.CheckForOwnershipChanges")
	defer span.End()

	since, err := s.ownershipWatermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("ownership watermark: %w", err)
	}

	timeout := s.Settings.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	changes, err := s.Changes.GetOwnershipChangesSince(fctx, since)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch ownership changes since %s: %w", since.Format(time.RFC3339), err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	created := 0
	var skipped []string
	for _, ch := range changes {
		_, err := s.Store.FindActivePeriod(ctx, ch.AssessmentId, ch.NewOwnerUsername)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrRecordNotFound) {
			config.LogError(s.Logger, "workflow", "CheckForOwnershipChanges", "find active period", ch, err)
			continue
		}

		s.resolveSupersededPeriods(ctx, ch)

		if _, err := s.CreateBaseline(ctx, ch.AssessmentId, ch.NewOwnerUsername, ch.IsRootExtension(), BaselineDescriptive{
			LineName: ch.LineName,
			Region:   ch.Region,
		}); err != nil {
			config.LogError(s.Logger, "workflow", "CheckForOwnershipChanges", "create baseline", ch, err)
			skipped = append(skipped, ch.AssessmentId+"/"+ch.NewOwnerUsername)
			continue
		}
		created++
	}
	if len(skipped) > 0 && created > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":         "GhostDetectionService",
			"since":         since,
			"skipped_pairs": skipped,
		}).Error("ownership changes skipped")
	}
	span.SetAttributes(
		attribute.Int("changes", len(changes)),
		attribute.Int("created", created),
		attribute.Int("skipped", len(skipped)),
	)
	return created, nil
}

func (s *GhostDetectionService) resolveSupersededPeriods(ctx context.Context, ch sources.OwnershipChange) {
	periods, err := s.Store.ListActivePeriodsForAssessment(ctx, ch.AssessmentId)
	if err != nil {
		config.LogError(s.Logger, "workflow", "resolveSupersededPeriods", "list active periods", ch, err)
		return
	}
	for i := range periods {
		if periods[i].TakeoverUsername == ch.NewOwnerUsername {
			continue
		}
		if err := s.ResolveOwnershipReturn(ctx, &periods[i]); err != nil {
			config.LogError(s.Logger, "workflow", "resolveSupersededPeriods", "resolve period",
				logrus.Fields{"period_id": periods[i].ID, "job_guid": ch.AssessmentId}, err)
		}
	}
}

// RunComparison diffs the current inventory against the period's baseline and records each
// missing unit once. It returns the number of evidence rows inserted by this call.
func (s *GhostDetectionService) RunComparison(ctx context.Context, period *models.GhostOwnershipPeriod) (int, error) {
	if period == nil || period.ID == 0 {
		return 0, errors.New("ownership period is not persisted")
	}
	units, err := s.fetchInventory(ctx, period.JobGuid)
	if err != nil {
		return 0, err
	}
	present := make(map[string]bool, len(units))
	for _, u := range units {
		present[u.UnitId] = true
	}

	evidenced, err := s.Store.EvidencedUnitIds(ctx, period.ID)
	if err != nil {
		return 0, fmt.Errorf("load evidence of period %d: %w", period.ID, err)
	}

	detected := s.today()
	rows := make([]models.GhostUnitEvidence, 0)
	for _, unit := range period.Baseline() {
		if present[unit.UnitId] || evidenced[unit.UnitId] {
			continue
		}
		evidenced[unit.UnitId] = true
		rows = append(rows, models.NewGhostUnitEvidence(period, unit, detected))
	}
	if len(rows) == 0 {
		return 0, nil
	}

	inserted, err := s.Store.InsertEvidence(ctx, period.ID, rows)
	if err != nil {
		return 0, fmt.Errorf("insert evidence for period %d: %w", period.ID, err)
	}
	if inserted > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":     "GhostDetectionService",
			"job_guid":  period.JobGuid,
			"period_id": period.ID,
			"username":  period.TakeoverUsername,
			"missing":   inserted,
		}).Warn("ghost units detected")
	}
	return inserted, nil
}

// RunAllComparisons runs RunComparison over every active period; one failing period does not
// stop the others.
func (s *GhostDetectionService) RunAllComparisons(ctx context.Context) (ComparisonSummary, error) {
	ctx, span := otel.Tracer("workflow").Start(ctx, "GhostDetectionService.RunAllComparisons")
	defer span.End()

	var summary ComparisonSummary
	periods, err := s.Store.ListActivePeriods(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active periods: %w", err)
	}
	for i := range periods {
		n, err := s.RunComparison(ctx, &periods[i])
		if err != nil {
			summary.Failed++
			config.LogError(s.Logger, "workflow", "RunAllComparisons", "comparison failed",
				logrus.Fields{"period_id": periods[i].ID, "job_guid": periods[i].JobGuid}, err)
			continue
		}
		summary.Periods++
		summary.NewEvidence += n
	}
	span.SetAttributes(
		attribute.Int("periods", summary.Periods),
		attribute.Int("new_evidence", summary.NewEvidence),
		attribute.Int("failed", summary.Failed),
	)
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":        "GhostDetectionService",
			"trigger":      appctx.GetTrigger(ctx),
			"periods":      summary.Periods,
			"new_evidence": summary.NewEvidence,
			"failed":       summary.Failed,
		}).Info("ghost comparisons finished")
	}
	return summary, nil
}

// ResolvePeriodById loads a period and resolves it. Resolving an already resolved period is a
// no-op that returns the stored row.
func (s *GhostDetectionService) ResolvePeriodById(ctx context.Context, id uint) (*models.GhostOwnershipPeriod, error) {
	period, err := s.Store.GetPeriod(ctx, id)
	if err != nil {
		return nil, err
	}
	if !period.IsActive() {
		return period, nil
	}
	if err := s.ResolveOwnershipReturn(ctx, period); err != nil {
		return nil, err
	}
	return period, nil
}

// ResolveOwnershipReturn captures last-moment ghosts and then marks the period resolved.
// The period and its evidence are kept. If the final comparison fails the period stays active.
func (s *GhostDetectionService) ResolveOwnershipReturn(ctx context.Context, period *models.GhostOwnershipPeriod) error {
	if _, err := s.RunComparison(ctx, period); err != nil {
		return err
	}
	returnDate := s.now().UTC()
	if err := s.Store.ResolvePeriod(ctx, period.ID, returnDate); err != nil {
		return fmt.Errorf("resolve period %d: %w", period.ID, err)
	}
	period.Status = models.OwnershipPeriodStatusResolved
	period.ReturnDate = &returnDate
	return nil
}

// CleanupOnClose deletes every period of jobGuid. Evidence is kept by the store with its
// period reference cleared.
func (s *GhostDetectionService) CleanupOnClose(ctx context.Context, jobGuid string) error {
	deleted, err := s.Store.DeletePeriodsForAssessment(ctx, jobGuid)
	if err != nil {
		return fmt.Errorf("delete ownership periods of %s: %w", jobGuid, err)
	}
	if deleted > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":    "GhostDetectionService",
			"job_guid": jobGuid,
			"deleted":  deleted,
		}).Info("ownership periods removed for closed assessment")
	}
	return nil
}
