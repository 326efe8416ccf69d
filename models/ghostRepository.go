package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GhostRepository persists ownership periods and ghost evidence in MySQL.
type GhostRepository struct {
	DB *gorm.DB
}

func NewGhostRepository(db *gorm.DB) *GhostRepository {
	return &GhostRepository{DB: db}
}

// LatestPeriodCreatedAt returns nil when no period has ever been created.
func (r *GhostRepository) LatestPeriodCreatedAt(ctx context.Context) (*time.Time, error) {
	var p GhostOwnershipPeriod
	err := r.DB.WithContext(ctx).Select("created_at").Order("created_at DESC").Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p.CreatedAt, nil
}

func (r *GhostRepository) FindActivePeriod(ctx context.Context, jobGuid, username string) (*GhostOwnershipPeriod, error) {
	var p GhostOwnershipPeriod
	err := r.DB.WithContext(ctx).
		Where("job_guid = ? AND takeover_username = ? AND status = ?", jobGuid, username, OwnershipPeriodStatusActive).
		Order("id DESC").
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *GhostRepository) GetPeriod(ctx context.Context, id uint) (*GhostOwnershipPeriod, error) {
	var p GhostOwnershipPeriod
	err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *GhostRepository) CreatePeriod(ctx context.Context, p *GhostOwnershipPeriod) error {
	return r.DB.WithContext(ctx).Create(p).Error
}

func (r *GhostRepository) ListActivePeriods(ctx context.Context) ([]GhostOwnershipPeriod, error) {
	var periods []GhostOwnershipPeriod
	err := r.DB.WithContext(ctx).
		Where("status = ?", OwnershipPeriodStatusActive).
		Order("id ASC").
		Find(&periods).Error
	return periods, err
}

func (r *GhostRepository) ListActivePeriodsForAssessment(ctx context.Context, jobGuid string) ([]GhostOwnershipPeriod, error) {
	var periods []GhostOwnershipPeriod
	err := r.DB.WithContext(ctx).
		Where("job_guid = ? AND status = ?", jobGuid, OwnershipPeriodStatusActive).
		Order("id ASC").
		Find(&periods).Error
	return periods, err
}

func (r *GhostRepository) ResolvePeriod(ctx context.Context, id uint, returnDate time.Time) error {
	res := r.DB.WithContext(ctx).Model(&GhostOwnershipPeriod{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      OwnershipPeriodStatusResolved,
			"return_date": returnDate,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *GhostRepository) EvidencedUnitIds(ctx context.Context, periodId uint) (map[string]bool, error) {
	return evidencedUnitIds(r.DB.WithContext(ctx), periodId)
}

func evidencedUnitIds(db *gorm.DB, periodId uint) (map[string]bool, error) {
	var ids []string
	if err := db.Model(&GhostUnitEvidence{}).
		Where("ownership_period_id = ?", periodId).
		Pluck("unit_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// InsertEvidence writes the batch for one period in a single transaction.
// Units already evidenced for the period are skipped; the unique index backs this up
// against a concurrent comparison of the same period.
func (r *GhostRepository) InsertEvidence(ctx context.Context, periodId uint, rows []GhostUnitEvidence) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	inserted := 0
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := evidencedUnitIds(tx, periodId)
		if err != nil {
			return err
		}
		fresh := make([]GhostUnitEvidence, 0, len(rows))
		for _, row := range rows {
			if existing[row.UnitId] {
				continue
			}
			existing[row.UnitId] = true
			pid := periodId
			row.OwnershipPeriodId = &pid
			fresh = append(fresh, row)
		}
		if len(fresh) == 0 {
			return nil
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		inserted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// DeletePeriodsForAssessment removes every period of jobGuid. Evidence survives with a
// null period reference; the reference is cleared in the same transaction so the outcome
// does not depend on the FK having been created by AutoMigrate.
func (r *GhostRepository) DeletePeriodsForAssessment(ctx context.Context, jobGuid string) (int64, error) {
	var deleted int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		periodIds := tx.Model(&GhostOwnershipPeriod{}).Select("id").Where("job_guid = ?", jobGuid)
		if err := tx.Model(&GhostUnitEvidence{}).
			Where("ownership_period_id IN (?)", periodIds).
			Update("ownership_period_id", nil).Error; err != nil {
			return err
		}
		res := tx.Where("job_guid = ?", jobGuid).Delete(&GhostOwnershipPeriod{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

func (r *GhostRepository) ListEvidence(ctx context.Context, filter EvidenceFilter) ([]GhostUnitEvidence, error) {
	q := r.DB.WithContext(ctx).Model(&GhostUnitEvidence{})
	if filter.JobGuid != "" {
		q = q.Where("job_guid = ?", filter.JobGuid)
	}
	if filter.OwnershipPeriodId != nil {
		q = q.Where("ownership_period_id = ?", *filter.OwnershipPeriodId)
	}
	if filter.TakeoverUsername != "" {
		q = q.Where("takeover_username = ?", filter.TakeoverUsername)
	}
	if filter.PeriodStatus != "" {
		q = q.Where("ownership_period_id IN (?)",
			r.DB.Model(&GhostOwnershipPeriod{}).Select("id").Where("status = ?", filter.PeriodStatus))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []GhostUnitEvidence
	err := q.Order("id ASC").Find(&rows).Error
	return rows, err
}
