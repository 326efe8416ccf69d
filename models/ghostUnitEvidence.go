package models

import "time"

// GhostUnitEvidence records a unit found missing from its ownership period's baseline.
// Rows are immutable and outlive their period: deleting the period nulls OwnershipPeriodId.
// Unique constraint: (ownership_period_id, unit_id).
type GhostUnitEvidence struct {
	ID uint `gorm:"primaryKey" json:"id"`

	OwnershipPeriodId *uint                 `gorm:"index:uniq_gue_period_unit,unique,priority:1" json:"ownership_period_id"`
	OwnershipPeriod   *GhostOwnershipPeriod `gorm:"foreignKey:OwnershipPeriodId;constraint:OnDelete:SET NULL" json:"-"`

	JobGuid  string `gorm:"size:64;not null;index" json:"job_guid"`
	LineName string `gorm:"size:255" json:"line_name"`
	Region   string `gorm:"size:100" json:"region"`

	UnitId           string `gorm:"size:64;not null;index:uniq_gue_period_unit,unique,priority:2" json:"unit_id"`
	UnitType         string `gorm:"size:50" json:"unit_type"`
	StationName      string `gorm:"size:100" json:"station_name"`
	PermissionStatus string `gorm:"size:50" json:"permission_status"`
	Forester         string `gorm:"size:150" json:"forester"`

	TakeoverUsername string    `gorm:"size:150;not null;index" json:"takeover_username"`
	TakeoverDate     time.Time `gorm:"not null" json:"takeover_date"`
	DetectedDate     time.Time `gorm:"type:date;not null;index" json:"detected_date"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (GhostUnitEvidence) TableName() string { return "ghost_unit_evidence" }

// NewGhostUnitEvidence builds the evidence row for a baseline unit missing from period.
func NewGhostUnitEvidence(period *GhostOwnershipPeriod, unit BaselineUnit, detected time.Time) GhostUnitEvidence {
	periodId := period.ID
	return GhostUnitEvidence{
		OwnershipPeriodId: &periodId,
		JobGuid:           period.JobGuid,
		LineName:          period.LineName,
		Region:            period.Region,
		UnitId:            unit.UnitId,
		UnitType:          unit.UnitType,
		StationName:       unit.StationName,
		PermissionStatus:  unit.PermissionStatus,
		Forester:          unit.AssignedForester,
		TakeoverUsername:  period.TakeoverUsername,
		TakeoverDate:      period.TakeoverDate,
		DetectedDate:      detected,
	}
}

// EvidenceFilter narrows ListEvidence. Zero values match everything. PeriodStatus keeps rows
// whose period currently has that status; orphaned rows never match it.
type EvidenceFilter struct {
	JobGuid           string
	OwnershipPeriodId *uint
	TakeoverUsername  string
	PeriodStatus      OwnershipPeriodStatus
	Limit             int
}
