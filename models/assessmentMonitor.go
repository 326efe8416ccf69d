package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SnapshotDateLayout is the key format of DailySnapshots.
const SnapshotDateLayout = "2006-01-02"

// DailySnapshots maps YYYY-MM-DD to that day's payload.
type DailySnapshots map[string]SnapshotPayload

// AssessmentMonitor is the per-assessment time series of daily snapshots.
//
// DailySnapshots is append-only across dates: a write for date D replaces only D.
// LatestSnapshot / FirstSnapshotDate / LastSnapshotDate and the progress columns are
// denormalized from it for list queries.
type AssessmentMonitor struct {
	JobGuid string `gorm:"primaryKey;size:64" json:"job_guid"`

	Region    string `gorm:"size:100;index" json:"region"`
	LineName  string `gorm:"size:255" json:"line_name"`
	ScopeYear string `gorm:"size:10;index" json:"scope_year"`
	CycleType string `gorm:"size:100" json:"cycle_type"`

	CurrentStatus string `gorm:"size:50;index" json:"current_status"`
	CurrentOwner  string `gorm:"size:150;index" json:"current_owner"`

	TotalMiles      decimal.Decimal `gorm:"type:decimal(12,4);default:0" json:"total_miles"`
	CompletedMiles  decimal.Decimal `gorm:"type:decimal(12,4);default:0" json:"completed_miles"`
	PercentComplete decimal.Decimal `gorm:"type:decimal(7,2);default:0" json:"percent_complete"`

	DailySnapshots    datatypes.JSONType[DailySnapshots]  `gorm:"type:json;not null" json:"daily_snapshots"`
	LatestSnapshot    datatypes.JSONType[SnapshotPayload] `gorm:"type:json;not null" json:"latest_snapshot"`
	FirstSnapshotDate *string                             `gorm:"size:10" json:"first_snapshot_date"`
	LastSnapshotDate  *string                             `gorm:"size:10;index" json:"last_snapshot_date"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AssessmentMonitor) TableName() string { return "assessment_monitors" }

// AssessmentDescriptive carries the fields copied from the active-assessments feed.
// Empty strings and nil figures mean "absent" and never overwrite stored values.
type AssessmentDescriptive struct {
	Region          string
	LineName        string
	ScopeYear       string
	CycleType       string
	Status          string
	CurrentOwner    string
	TotalMiles      *decimal.Decimal
	CompletedMiles  *decimal.Decimal
	PercentComplete *decimal.Decimal
}

func (m *AssessmentMonitor) ApplyDescriptive(d AssessmentDescriptive) {
	overlay := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	overlay(&m.Region, d.Region)
	overlay(&m.LineName, d.LineName)
	overlay(&m.ScopeYear, d.ScopeYear)
	overlay(&m.CycleType, d.CycleType)
	overlay(&m.CurrentStatus, d.Status)
	overlay(&m.CurrentOwner, d.CurrentOwner)
	if d.TotalMiles != nil {
		m.TotalMiles = *d.TotalMiles
	}
	if d.CompletedMiles != nil {
		m.CompletedMiles = *d.CompletedMiles
	}
	if d.PercentComplete != nil {
		m.PercentComplete = *d.PercentComplete
	}
}

// Snapshots returns a copy of the stored series.
func (m *AssessmentMonitor) Snapshots() DailySnapshots {
	src := m.DailySnapshots.Data()
	out := make(DailySnapshots, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SnapshotDates returns the stored date keys in ascending order.
func (m *AssessmentMonitor) SnapshotDates() []string {
	src := m.DailySnapshots.Data()
	dates := make([]string, 0, len(src))
	for k := range src {
		dates = append(dates, k)
	}
	sort.Strings(dates)
	return dates
}

// SnapshotBefore returns the most recent snapshot dated strictly before date.
func (m *AssessmentMonitor) SnapshotBefore(date string) (*SnapshotPayload, bool) {
	dates := m.SnapshotDates()
	for i := len(dates) - 1; i >= 0; i-- {
		if dates[i] < date {
			p := m.DailySnapshots.Data()[dates[i]]
			return &p, true
		}
	}
	return nil, false
}

// RecordSnapshot writes the payload for date, leaving every other date untouched,
// and refreshes the denormalized fields.
func (m *AssessmentMonitor) RecordSnapshot(date string, payload SnapshotPayload) {
	series := m.Snapshots()
	series[date] = payload
	m.DailySnapshots = datatypes.NewJSONType(series)

	if m.FirstSnapshotDate == nil || date < *m.FirstSnapshotDate {
		d := date
		m.FirstSnapshotDate = &d
	}
	if m.LastSnapshotDate == nil || date >= *m.LastSnapshotDate {
		d := date
		m.LastSnapshotDate = &d
		m.LatestSnapshot = datatypes.NewJSONType(payload)
		m.TotalMiles = payload.Footage.TotalMiles
		m.CompletedMiles = payload.Footage.CompletedMiles
		m.PercentComplete = payload.Footage.PercentComplete
	}
}
