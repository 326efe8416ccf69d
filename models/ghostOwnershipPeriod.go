package models

import (
	"time"

	"gorm.io/datatypes"
)

// BaselineUnit is one unit of the inventory captured at takeover time.
type BaselineUnit struct {
	UnitId           string `json:"unit_id"`
	UnitType         string `json:"unit_type"`
	StationName      string `json:"station_name"`
	PermissionStatus string `json:"permission_status"`
	AssignedForester string `json:"assigned_forester"`
}

// GhostOwnershipPeriod tracks one takeover episode of an assessment by a user.
// Natural key: (job_guid, takeover_username) among active periods.
type GhostOwnershipPeriod struct {
	ID uint `gorm:"primaryKey" json:"id"`

	JobGuid          string `gorm:"size:64;not null;index:idx_gop_job_user,priority:1" json:"job_guid"`
	TakeoverUsername string `gorm:"size:150;not null;index:idx_gop_job_user,priority:2" json:"takeover_username"`
	IsParentTakeover bool   `gorm:"not null;default:false" json:"is_parent_takeover"`

	TakeoverDate time.Time  `gorm:"not null" json:"takeover_date"`
	ReturnDate   *time.Time `json:"return_date"`

	BaselineSnapshot  datatypes.JSONType[[]BaselineUnit] `gorm:"type:json;not null" json:"baseline_snapshot"`
	BaselineUnitCount int                                `gorm:"not null;default:0" json:"baseline_unit_count"`

	Status OwnershipPeriodStatus `gorm:"size:20;not null;index" json:"status"`

	LineName string `gorm:"size:255" json:"line_name"`
	Region   string `gorm:"size:100" json:"region"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GhostOwnershipPeriod) TableName() string { return "ghost_ownership_periods" }

func (p *GhostOwnershipPeriod) Baseline() []BaselineUnit {
	return p.BaselineSnapshot.Data()
}

func (p *GhostOwnershipPeriod) SetBaseline(units []BaselineUnit) {
	if units == nil {
		units = []BaselineUnit{}
	}
	p.BaselineSnapshot = datatypes.NewJSONType(units)
	p.BaselineUnitCount = len(units)
}

func (p *GhostOwnershipPeriod) IsActive() bool {
	return p.Status == OwnershipPeriodStatusActive
}
