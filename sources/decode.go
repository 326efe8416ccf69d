package sources

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The activity API renders numbers from a tabular query layer: they may arrive as JSON
// numbers, numeric strings, empty strings, or null. Anything unparsable decodes to zero.

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	s := unquoteScalar(b)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexInt(int64(n))
	}
	return nil
}

type flexDecimal decimal.Decimal

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	*f = flexDecimal(decimal.Zero)
	s := unquoteScalar(b)
	if s == "" {
		return nil
	}
	if d, err := decimal.NewFromString(s); err == nil {
		*f = flexDecimal(d)
	}
	return nil
}

func (f flexDecimal) Decimal() decimal.Decimal { return decimal.Decimal(f) }

// optDecimal keeps "absent" apart from zero so an empty field does not overwrite a stored figure.
type optDecimal struct {
	d *decimal.Decimal
}

func (f *optDecimal) UnmarshalJSON(b []byte) error {
	f.d = nil
	s := unquoteScalar(b)
	if s == "" {
		return nil
	}
	if d, err := decimal.NewFromString(s); err == nil {
		f.d = &d
	}
	return nil
}

// flexString accepts a JSON string, number or bool. Objects and arrays decode to "".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	*f = ""
	s := unquoteScalar(b)
	if s == "" || s[0] == '{' || s[0] == '[' {
		return nil
	}
	*f = flexString(s)
	return nil
}

type flexTime struct {
	t *time.Time
}

var editDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	f.t = nil
	s := unquoteScalar(b)
	if s == "" {
		return nil
	}
	for _, layout := range editDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.t = &t
			return nil
		}
	}
	return nil
}

func unquoteScalar(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return ""
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return ""
		}
		s = strings.TrimSpace(str)
	}
	return s
}

type activeRow struct {
	AssessmentId    flexString `json:"assessment_id"`
	Status          flexString `json:"status"`
	LineName        flexString `json:"line_name"`
	Region          flexString `json:"region"`
	ScopeYear       flexString `json:"scope_year"`
	CycleType       flexString `json:"cycle_type"`
	CurrentOwner    flexString `json:"current_owner"`
	TotalMiles      optDecimal `json:"total_miles"`
	CompletedMiles  optDecimal `json:"completed_miles"`
	PercentComplete optDecimal `json:"percent_complete"`
}

// DecodeActiveAssessment tolerates any field shape. It fails only when raw is not a JSON
// object; a row without an assessment id is left for the caller's validation.
func DecodeActiveAssessment(raw []byte) (ActiveAssessment, error) {
	var row activeRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return ActiveAssessment{}, err
	}
	return ActiveAssessment{
		AssessmentId:    string(row.AssessmentId),
		Status:          string(row.Status),
		LineName:        string(row.LineName),
		Region:          string(row.Region),
		ScopeYear:       string(row.ScopeYear),
		CycleType:       string(row.CycleType),
		CurrentOwner:    string(row.CurrentOwner),
		TotalMiles:      row.TotalMiles.d,
		CompletedMiles:  row.CompletedMiles.d,
		PercentComplete: row.PercentComplete.d,
	}, nil
}

type metricsRow struct {
	TotalUnits           flexInt         `json:"total_units"`
	Approved             flexInt         `json:"approved"`
	Pending              flexInt         `json:"pending"`
	Refused              flexInt         `json:"refused"`
	NoContact            flexInt         `json:"no_contact"`
	Deferred             flexInt         `json:"deferred"`
	PplApproved          flexInt         `json:"ppl_approved"`
	WorkUnits            flexInt         `json:"work_units"`
	NwUnits              flexInt         `json:"nw_units"`
	UnitsRequiringNotes  flexInt         `json:"units_requiring_notes"`
	UnitsWithNotes       flexInt         `json:"units_with_notes"`
	UnitsWithoutNotes    flexInt         `json:"units_without_notes"`
	CompliancePercent    flexDecimal     `json:"compliance_percent"`
	LastEditDate         flexTime        `json:"last_edit_date"`
	LastEditBy           string          `json:"last_edit_by"`
	PendingOverThreshold flexInt         `json:"pending_over_threshold"`
	WorkTypeBreakdown    json.RawMessage `json:"work_type_breakdown"`
}

func (r metricsRow) toMetrics() SnapshotMetrics {
	return SnapshotMetrics{
		TotalUnits:           int(r.TotalUnits),
		Approved:             int(r.Approved),
		Pending:              int(r.Pending),
		Refused:              int(r.Refused),
		NoContact:            int(r.NoContact),
		Deferred:             int(r.Deferred),
		PplApproved:          int(r.PplApproved),
		WorkUnits:            int(r.WorkUnits),
		NwUnits:              int(r.NwUnits),
		UnitsRequiringNotes:  int(r.UnitsRequiringNotes),
		UnitsWithNotes:       int(r.UnitsWithNotes),
		UnitsWithoutNotes:    int(r.UnitsWithoutNotes),
		CompliancePercent:    r.CompliancePercent.Decimal(),
		LastEditDate:         r.LastEditDate.t,
		LastEditBy:           strings.TrimSpace(r.LastEditBy),
		PendingOverThreshold: int(r.PendingOverThreshold),
		WorkTypeBreakdown:    ParseWorkTypeBreakdown(r.WorkTypeBreakdown),
	}
}

// DecodeSnapshotMetrics never fails on shape problems; a malformed document yields a zero row.
func DecodeSnapshotMetrics(raw []byte) SnapshotMetrics {
	if len(raw) == 0 {
		return SnapshotMetrics{}
	}
	var row metricsRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return SnapshotMetrics{}
	}
	return row.toMetrics()
}

// ParseWorkTypeBreakdown accepts a JSON array, a JSON string holding an array (the query
// layer aggregates it as text), or anything else, which yields an empty list.
func ParseWorkTypeBreakdown(raw json.RawMessage) []WorkTypeCount {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return []WorkTypeCount{}
	}
	if s[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return []WorkTypeCount{}
		}
		inner = strings.TrimSpace(inner)
		if inner == "" || inner[0] == '"' {
			return []WorkTypeCount{}
		}
		return ParseWorkTypeBreakdown(json.RawMessage(inner))
	}
	var rows []struct {
		Unit     string      `json:"unit"`
		UnitType string      `json:"unit_type"`
		UnitQty  flexDecimal `json:"unit_qty"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return []WorkTypeCount{}
	}
	out := make([]WorkTypeCount, 0, len(rows))
	for _, r := range rows {
		unitType := strings.TrimSpace(r.Unit)
		if unitType == "" {
			unitType = strings.TrimSpace(r.UnitType)
		}
		if unitType == "" {
			continue
		}
		out = append(out, WorkTypeCount{UnitType: unitType, UnitQty: r.UnitQty.Decimal()})
	}
	return out
}
