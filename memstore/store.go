// Package memstore provides an in-memory implementation of the monitor and ghost
// stores used by tests and dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"gorm.io/datatypes"
)

// Store keeps monitors, periods and evidence in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	monitors map[string]models.AssessmentMonitor
	periods  map[uint]models.GhostOwnershipPeriod
	evidence []models.GhostUnitEvidence

	nextPeriodId   uint
	nextEvidenceId uint

	// Now stamps created_at / updated_at.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		monitors: make(map[string]models.AssessmentMonitor),
		periods:  make(map[uint]models.GhostOwnershipPeriod),
		Now:      time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cloneMonitor(m models.AssessmentMonitor) models.AssessmentMonitor {
	m.DailySnapshots = datatypes.NewJSONType(m.Snapshots())
	return m
}

func clonePeriod(p models.GhostOwnershipPeriod) models.GhostOwnershipPeriod {
	src := p.Baseline()
	units := make([]models.BaselineUnit, len(src))
	copy(units, src)
	p.BaselineSnapshot = datatypes.NewJSONType(units)
	return p
}

/* monitors */

func (s *Store) FindMonitor(_ context.Context, jobGuid string) (*models.AssessmentMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[jobGuid]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	out := cloneMonitor(m)
	return &out, nil
}

func (s *Store) ListMonitors(_ context.Context) ([]models.AssessmentMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AssessmentMonitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, cloneMonitor(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobGuid < out[j].JobGuid })
	return out, nil
}

func (s *Store) UpsertMonitor(_ context.Context, jobGuid string, apply func(m *models.AssessmentMonitor, isNew bool) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.monitors[jobGuid]
	m := models.AssessmentMonitor{JobGuid: jobGuid}
	if ok {
		m = cloneMonitor(existing)
	}
	if err := apply(&m, !ok); err != nil {
		return false, err
	}
	now := s.now()
	if !ok {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.monitors[jobGuid] = m
	return !ok, nil
}

func (s *Store) DeleteMonitor(_ context.Context, jobGuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, jobGuid)
	return nil
}

/* ownership periods */

func (s *Store) LatestPeriodCreatedAt(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, p := range s.periods {
		if latest == nil || p.CreatedAt.After(*latest) {
			t := p.CreatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *Store) FindActivePeriod(_ context.Context, jobGuid, username string) (*models.GhostOwnershipPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.GhostOwnershipPeriod
	for _, p := range s.periods {
		if p.JobGuid != jobGuid || p.TakeoverUsername != username || !p.IsActive() {
			continue
		}
		if found == nil || p.ID > found.ID {
			c := clonePeriod(p)
			found = &c
		}
	}
	if found == nil {
		return nil, models.ErrRecordNotFound
	}
	return found, nil
}

func (s *Store) GetPeriod(_ context.Context, id uint) (*models.GhostOwnershipPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	c := clonePeriod(p)
	return &c, nil
}

func (s *Store) CreatePeriod(_ context.Context, p *models.GhostOwnershipPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPeriodId++
	now := s.now()
	p.ID = s.nextPeriodId
	p.CreatedAt = now
	p.UpdatedAt = now
	s.periods[p.ID] = clonePeriod(*p)
	return nil
}

func (s *Store) listPeriods(match func(p models.GhostOwnershipPeriod) bool) []models.GhostOwnershipPeriod {
	out := make([]models.GhostOwnershipPeriod, 0)
	for _, p := range s.periods {
		if match(p) {
			out = append(out, clonePeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListActivePeriods(_ context.Context) ([]models.GhostOwnershipPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPeriods(func(p models.GhostOwnershipPeriod) bool { return p.IsActive() }), nil
}

func (s *Store) ListActivePeriodsForAssessment(_ context.Context, jobGuid string) ([]models.GhostOwnershipPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPeriods(func(p models.GhostOwnershipPeriod) bool {
		return p.IsActive() && p.JobGuid == jobGuid
	}), nil
}

// ListPeriods returns every period regardless of status.
func (s *Store) ListPeriods() []models.GhostOwnershipPeriod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPeriods(func(models.GhostOwnershipPeriod) bool { return true })
}

func (s *Store) ResolvePeriod(_ context.Context, id uint, returnDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[id]
	if !ok {
		return models.ErrRecordNotFound
	}
	p.Status = models.OwnershipPeriodStatusResolved
	p.ReturnDate = &returnDate
	p.UpdatedAt = s.now()
	s.periods[id] = p
	return nil
}

func (s *Store) DeletePeriodsForAssessment(_ context.Context, jobGuid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, p := range s.periods {
		if p.JobGuid != jobGuid {
			continue
		}
		for i := range s.evidence {
			if s.evidence[i].OwnershipPeriodId != nil && *s.evidence[i].OwnershipPeriodId == id {
				s.evidence[i].OwnershipPeriodId = nil
			}
		}
		delete(s.periods, id)
		deleted++
	}
	return deleted, nil
}

/* evidence */

func (s *Store) EvidencedUnitIds(_ context.Context, periodId uint) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evidencedLocked(periodId), nil
}

func (s *Store) evidencedLocked(periodId uint) map[string]bool {
	out := make(map[string]bool)
	for _, e := range s.evidence {
		if e.OwnershipPeriodId != nil && *e.OwnershipPeriodId == periodId {
			out[e.UnitId] = true
		}
	}
	return out
}

func (s *Store) InsertEvidence(_ context.Context, periodId uint, rows []models.GhostUnitEvidence) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.evidencedLocked(periodId)
	now := s.now()
	inserted := 0
	for _, row := range rows {
		if existing[row.UnitId] {
			continue
		}
		existing[row.UnitId] = true
		s.nextEvidenceId++
		pid := periodId
		row.ID = s.nextEvidenceId
		row.OwnershipPeriodId = &pid
		row.CreatedAt = now
		s.evidence = append(s.evidence, row)
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListEvidence(_ context.Context, filter models.EvidenceFilter) ([]models.GhostUnitEvidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.GhostUnitEvidence, 0)
	for _, e := range s.evidence {
		if filter.JobGuid != "" && e.JobGuid != filter.JobGuid {
			continue
		}
		if filter.OwnershipPeriodId != nil && (e.OwnershipPeriodId == nil || *e.OwnershipPeriodId != *filter.OwnershipPeriodId) {
			continue
		}
		if filter.TakeoverUsername != "" && e.TakeoverUsername != filter.TakeoverUsername {
			continue
		}
		if filter.PeriodStatus != "" {
			if e.OwnershipPeriodId == nil {
				continue
			}
			if p, ok := s.periods[*e.OwnershipPeriodId]; !ok || p.Status != filter.PeriodStatus {
				continue
			}
		}
		if e.OwnershipPeriodId != nil {
			pid := *e.OwnershipPeriodId
			e.OwnershipPeriodId = &pid
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
