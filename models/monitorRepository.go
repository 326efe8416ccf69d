package models

import (
	"context"
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MonitorRepository persists AssessmentMonitor rows in MySQL.
type MonitorRepository struct {
	DB *gorm.DB
}

func NewMonitorRepository(db *gorm.DB) *MonitorRepository {
	return &MonitorRepository{DB: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (r *MonitorRepository) FindMonitor(ctx context.Context, jobGuid string) (*AssessmentMonitor, error) {
	var m AssessmentMonitor
	err := r.DB.WithContext(ctx).Where("job_guid = ?", jobGuid).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MonitorRepository) ListMonitors(ctx context.Context) ([]AssessmentMonitor, error) {
	var monitors []AssessmentMonitor
	if err := r.DB.WithContext(ctx).Order("job_guid ASC").Find(&monitors).Error; err != nil {
		return nil, err
	}
	return monitors, nil
}

// UpsertMonitor loads the row FOR UPDATE (or starts a fresh one), lets apply mutate it,
// and saves it in the same transaction. Concurrent writers on one job_guid serialize on the row lock.
// A lost insert race is retried once as an update.
func (r *MonitorRepository) UpsertMonitor(ctx context.Context, jobGuid string, apply func(m *AssessmentMonitor, isNew bool) error) (bool, error) {
	var created bool
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		created, err = r.upsertOnce(ctx, jobGuid, apply)
		if err == nil || !isDuplicateKeyErr(err) {
			return created, err
		}
	}
	return false, fmt.Errorf("upsert monitor %s: %w", jobGuid, err)
}

func (r *MonitorRepository) upsertOnce(ctx context.Context, jobGuid string, apply func(m *AssessmentMonitor, isNew bool) error) (bool, error) {
	var created bool
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m AssessmentMonitor
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("job_guid = ?", jobGuid).Take(&m).Error
		isNew := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !isNew {
			return err
		}
		if isNew {
			m = AssessmentMonitor{JobGuid: jobGuid}
		}
		if err := apply(&m, isNew); err != nil {
			return err
		}
		if isNew {
			created = true
			return tx.Create(&m).Error
		}
		return tx.Save(&m).Error
	})
	return created, err
}

// DeleteMonitor is a no-op when the row is already gone.
func (r *MonitorRepository) DeleteMonitor(ctx context.Context, jobGuid string) error {
	return r.DB.WithContext(ctx).Where("job_guid = ?", jobGuid).Delete(&AssessmentMonitor{}).Error
}
