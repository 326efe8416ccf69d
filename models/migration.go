package models

import (
	"log"

	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Migrate creates or updates the monitor and ghost tables on db.
// Periods migrate before evidence so the SET NULL foreign key can be attached.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AssessmentMonitor{},
		&GhostOwnershipPeriod{},
		&GhostUnitEvidence{},
	)
}
