// Package sources defines the upstream ports the monitor reads from and a
// JSON-over-HTTP adapter for the activity API that serves them.
package sources

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrIncompleteFeed marks an active list that is missing rows the feed could not decode.
// Rows that did decode are still returned alongside it.
var ErrIncompleteFeed = errors.New("active assessment feed incomplete")

type ActiveAssessmentFeed interface {
	GetActiveAssessments(ctx context.Context) ([]ActiveAssessment, error)
}

type MetricsSource interface {
	GetDailySnapshotMetrics(ctx context.Context, jobGuid string) (SnapshotMetrics, error)
}

type InventorySource interface {
	GetUnitInventory(ctx context.Context, jobGuid string) ([]InventoryUnit, error)
}

type OwnershipChangeFeed interface {
	GetOwnershipChangesSince(ctx context.Context, since time.Time) ([]OwnershipChange, error)
}

type ActiveAssessment struct {
	AssessmentId    string           `json:"assessment_id" validate:"required"`
	Status          string           `json:"status"`
	LineName        string           `json:"line_name"`
	Region          string           `json:"region"`
	ScopeYear       string           `json:"scope_year"`
	CycleType       string           `json:"cycle_type"`
	CurrentOwner    string           `json:"current_owner"`
	TotalMiles      *decimal.Decimal `json:"total_miles"`
	CompletedMiles  *decimal.Decimal `json:"completed_miles"`
	PercentComplete *decimal.Decimal `json:"percent_complete"`
}

type WorkTypeCount struct {
	UnitType string          `json:"unit"`
	UnitQty  decimal.Decimal `json:"unit_qty"`
}

// SnapshotMetrics is the flat metrics row for one assessment. A zero value is a valid,
// healthy-empty row.
type SnapshotMetrics struct {
	TotalUnits           int
	Approved             int
	Pending              int
	Refused              int
	NoContact            int
	Deferred             int
	PplApproved          int
	WorkUnits            int
	NwUnits              int
	UnitsRequiringNotes  int
	UnitsWithNotes       int
	UnitsWithoutNotes    int
	CompliancePercent    decimal.Decimal
	LastEditDate         *time.Time
	LastEditBy           string
	PendingOverThreshold int
	WorkTypeBreakdown    []WorkTypeCount
}

type InventoryUnit struct {
	UnitId           string `json:"unit_id"`
	UnitType         string `json:"unit_type"`
	StationName      string `json:"station_name"`
	PermissionStatus string `json:"permission_status"`
	Forester         string `json:"forester"`
}

type OwnershipChange struct {
	AssessmentId     string `json:"assessment_id" validate:"required"`
	NewOwnerUsername string `json:"new_owner_username" validate:"required"`
	LineName         string `json:"line_name"`
	Region           string `json:"region"`
	ExtensionCode    string `json:"extension_code"`
}

// IsRootExtension reports whether the change targets the root assessment rather than a split.
// The activity system marks the root record with an empty extension or "@".
func (c OwnershipChange) IsRootExtension() bool {
	ext := strings.TrimSpace(c.ExtensionCode)
	return ext == "" || ext == "@"
}
