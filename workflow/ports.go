package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/models"
)

// MonitorStore is the persistence the live monitor needs. models.MonitorRepository is the
// MySQL implementation; memstore.Store is the in-memory one.
type MonitorStore interface {
	FindMonitor(ctx context.Context, jobGuid string) (*models.AssessmentMonitor, error)
	ListMonitors(ctx context.Context) ([]models.AssessmentMonitor, error)
	UpsertMonitor(ctx context.Context, jobGuid string, apply func(m *models.AssessmentMonitor, isNew bool) error) (bool, error)
	DeleteMonitor(ctx context.Context, jobGuid string) error
}

// GhostStore persists ownership periods and evidence.
// DeletePeriodsForAssessment must leave evidence in place with a null period reference.
type GhostStore interface {
	LatestPeriodCreatedAt(ctx context.Context) (*time.Time, error)
	FindActivePeriod(ctx context.Context, jobGuid, username string) (*models.GhostOwnershipPeriod, error)
	GetPeriod(ctx context.Context, id uint) (*models.GhostOwnershipPeriod, error)
	CreatePeriod(ctx context.Context, p *models.GhostOwnershipPeriod) error
	ListActivePeriods(ctx context.Context) ([]models.GhostOwnershipPeriod, error)
	ListActivePeriodsForAssessment(ctx context.Context, jobGuid string) ([]models.GhostOwnershipPeriod, error)
	ResolvePeriod(ctx context.Context, id uint, returnDate time.Time) error
	EvidencedUnitIds(ctx context.Context, periodId uint) (map[string]bool, error)
	InsertEvidence(ctx context.Context, periodId uint, rows []models.GhostUnitEvidence) (int, error)
	DeletePeriodsForAssessment(ctx context.Context, jobGuid string) (int64, error)
	ListEvidence(ctx context.Context, filter models.EvidenceFilter) ([]models.GhostUnitEvidence, error)
}

var (
	_ MonitorStore = (*models.MonitorRepository)(nil)
	_ GhostStore   = (*models.GhostRepository)(nil)
)
