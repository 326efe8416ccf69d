package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotPayload is one calendar day of health metrics for an assessment.
// It is stored as JSON under its date key in AssessmentMonitor.DailySnapshots.
type SnapshotPayload struct {
	PermissionBreakdown PermissionBreakdown `json:"permission_breakdown"`
	UnitCounts          UnitCounts          `json:"unit_counts"`
	WorkTypeBreakdown   []WorkTypeQuantity  `json:"work_type_breakdown"`
	Footage             FootageMetrics      `json:"footage"`
	NotesCompliance     NotesCompliance     `json:"notes_compliance"`
	PlannerActivity     PlannerActivity     `json:"planner_activity"`
	AgingUnits          AgingUnits          `json:"aging_units"`
	Suspicious          bool                `json:"suspicious"`
	CapturedAt          time.Time           `json:"captured_at"`
}

type PermissionBreakdown struct {
	Approved    int `json:"approved"`
	Pending     int `json:"pending"`
	Refused     int `json:"refused"`
	NoContact   int `json:"no_contact"`
	Deferred    int `json:"deferred"`
	PplApproved int `json:"ppl_approved"`
}

type UnitCounts struct {
	TotalUnits int `json:"total_units"`
	WorkUnits  int `json:"work_units"`
	NwUnits    int `json:"nw_units"`
}

type WorkTypeQuantity struct {
	UnitType string          `json:"unit_type"`
	UnitQty  decimal.Decimal `json:"unit_qty"`
}

type FootageMetrics struct {
	TotalMiles      decimal.Decimal `json:"total_miles"`
	CompletedMiles  decimal.Decimal `json:"completed_miles"`
	PercentComplete decimal.Decimal `json:"percent_complete"`
}

type NotesCompliance struct {
	UnitsRequiringNotes int             `json:"units_requiring_notes"`
	UnitsWithNotes      int             `json:"units_with_notes"`
	UnitsWithoutNotes   int             `json:"units_without_notes"`
	CompliancePercent   decimal.Decimal `json:"compliance_percent"`
}

type PlannerActivity struct {
	LastEditDate *time.Time `json:"last_edit_date"`
	LastEditBy   string     `json:"last_edit_by"`
	CurrentOwner string     `json:"current_owner"`
	Status       string     `json:"status"`
}

type AgingUnits struct {
	PendingOverThreshold int `json:"pending_over_threshold"`
	ThresholdDays        int `json:"threshold_days"`
}

// IsSuspiciousDrop reports a drop to exactly zero units from a non-zero previous day.
// Partial drops are deliberately not flagged.
func IsSuspiciousDrop(previous *SnapshotPayload, current SnapshotPayload) bool {
	if previous == nil {
		return false
	}
	return current.UnitCounts.TotalUnits == 0 && previous.UnitCounts.TotalUnits > 0
}
