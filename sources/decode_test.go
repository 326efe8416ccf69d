package sources

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecodeSnapshotMetrics_TolerantScalars(t *testing.T) {
	raw := []byte(`{
		"total_units": "12",
		"approved": 7,
		"pending": null,
		"refused": "",
		"no_contact": 1.0,
		"compliance_percent": "87.5",
		"last_edit_date": "2024-03-01 10:15:00",
		"last_edit_by": " planner1 ",
		"pending_over_threshold": "3",
		"work_type_breakdown": [{"unit": "SPM", "unit_qty": 4}, {"unit_type": "HCB", "unit_qty": "2.5"}]
	}`)

	m := DecodeSnapshotMetrics(raw)
	if m.TotalUnits != 12 || m.Approved != 7 || m.Pending != 0 || m.Refused != 0 || m.NoContact != 1 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if !m.CompliancePercent.Equal(decimal.RequireFromString("87.5")) {
		t.Fatalf("compliance = %s", m.CompliancePercent)
	}
	if m.LastEditDate == nil || m.LastEditDate.Hour() != 10 {
		t.Fatalf("last edit date = %v", m.LastEditDate)
	}
	if m.LastEditBy != "planner1" {
		t.Fatalf("last edit by = %q", m.LastEditBy)
	}
	if m.PendingOverThreshold != 3 {
		t.Fatalf("aging = %d", m.PendingOverThreshold)
	}
	if len(m.WorkTypeBreakdown) != 2 || m.WorkTypeBreakdown[1].UnitType != "HCB" {
		t.Fatalf("breakdown = %+v", m.WorkTypeBreakdown)
	}
}

func TestDecodeSnapshotMetrics_MalformedIsZero(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2]"} {
		m := DecodeSnapshotMetrics([]byte(raw))
		if m.TotalUnits != 0 || m.LastEditDate != nil {
			t.Fatalf("%q: expected zero metrics, got %+v", raw, m)
		}
	}
}

func TestParseWorkTypeBreakdown(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"array", `[{"unit":"SPM","unit_qty":1}]`, 1},
		{"stringified array", `"[{\"unit\":\"SPM\",\"unit_qty\":1},{\"unit\":\"MPM\",\"unit_qty\":\"2\"}]"`, 2},
		{"null", `null`, 0},
		{"empty", ``, 0},
		{"garbage string", `"oops"`, 0},
		{"object", `{"unit":"SPM"}`, 0},
		{"unnamed rows skipped", `[{"unit_qty":1},{"unit":"SPM","unit_qty":1}]`, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseWorkTypeBreakdown(json.RawMessage(tc.raw))
			if got == nil {
				t.Fatalf("expected non-nil slice")
			}
			if len(got) != tc.want {
				t.Fatalf("len = %d, want %d (%+v)", len(got), tc.want, got)
			}
		})
	}
}

func TestOwnershipChange_IsRootExtension(t *testing.T) {
	for ext, want := range map[string]bool{"": true, "@": true, " @ ": true, "A": false, "B1": false} {
		if got := (OwnershipChange{ExtensionCode: ext}).IsRootExtension(); got != want {
			t.Fatalf("extension %q: got %v want %v", ext, got, want)
		}
	}
}
