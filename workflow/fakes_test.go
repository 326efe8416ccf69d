package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/sources"
)

var errUpstream = errors.New("upstream unavailable")

func testSettings() config.MonitorSettings {
	return config.MonitorSettings{
		Location:            time.UTC,
		AgingThresholdDays:  14,
		GhostLookback:       7 * 24 * time.Hour,
		UpstreamTimeout:     time.Second,
		SnapshotConcurrency: 2,
		RunLockTTL:          time.Minute,
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeFeed struct {
	active []sources.ActiveAssessment
	err    error
}

func (f *fakeFeed) GetActiveAssessments(context.Context) ([]sources.ActiveAssessment, error) {
	return f.active, f.err
}

type fakeMetrics struct {
	mu      sync.Mutex
	byJob   map[string]sources.SnapshotMetrics
	failFor map[string]bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{byJob: map[string]sources.SnapshotMetrics{}, failFor: map[string]bool{}}
}

func (f *fakeMetrics) set(jobGuid string, totalUnits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byJob[jobGuid] = sources.SnapshotMetrics{TotalUnits: totalUnits, Approved: totalUnits}
}

func (f *fakeMetrics) GetDailySnapshotMetrics(_ context.Context, jobGuid string) (sources.SnapshotMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[jobGuid] {
		return sources.SnapshotMetrics{}, errUpstream
	}
	return f.byJob[jobGuid], nil
}

type fakeInventory struct {
	mu      sync.Mutex
	units   map[string][]sources.InventoryUnit
	err     error
	failFor map[string]bool
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{units: map[string][]sources.InventoryUnit{}, failFor: map[string]bool{}}
}

func (f *fakeInventory) set(jobGuid string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	units := make([]sources.InventoryUnit, 0, len(ids))
	for _, id := range ids {
		units = append(units, sources.InventoryUnit{UnitId: id, UnitType: "SPM", StationName: "st-" + id, Forester: "f1"})
	}
	f.units[jobGuid] = units
}

func (f *fakeInventory) GetUnitInventory(_ context.Context, jobGuid string) ([]sources.InventoryUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.failFor[jobGuid] {
		return nil, errUpstream
	}
	return append([]sources.InventoryUnit(nil), f.units[jobGuid]...), nil
}

type fakeChanges struct {
	changes []sources.OwnershipChange
	since   []time.Time
}

func (f *fakeChanges) GetOwnershipChangesSince(_ context.Context, since time.Time) ([]sources.OwnershipChange, error) {
	f.since = append(f.since, since)
	return f.changes, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []ClosureEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev ClosureEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, ev)
	return nil
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, ErrLockNotObtained
}
