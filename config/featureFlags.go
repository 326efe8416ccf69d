package config

import (
	"os"
	"strings"
	"time"
)

const (
	ClosureTransportChannel = "channel"
	ClosureTransportPubSub  = "pubsub"
)

// MonitorSettings holds the knobs for the snapshot monitor and ghost detector.
//
// Env:
// - MONITOR_TIMEZONE (default UTC): calendar day used for snapshot keys and detected_date
// - AGING_THRESHOLD_DAYS (default 14): pending units older than this count as aging
// - GHOST_LOOKBACK_DAYS (default 7): ownership-change cursor when no period exists yet
// - UPSTREAM_TIMEOUT_SECONDS (default 30): per-call timeout for the activity API
// - SNAPSHOT_CONCURRENCY (default 4): assessments snapshotted in parallel
// - CLOSURE_EVENT_TRANSPORT (channel|pubsub, default channel)
// - CLOSURE_EVENT_TOPIC (default assessment-closed)
// - RUN_LOCK_TTL_MINUTES (default 60)
type MonitorSettings struct {
	Location            *time.Location
	AgingThresholdDays  int
	GhostLookback       time.Duration
	UpstreamTimeout     time.Duration
	SnapshotConcurrency int
	ClosureTransport    string
	ClosureTopic        string
	RunLockTTL          time.Duration
}

func LoadMonitorSettings() MonitorSettings {
	loc := time.UTC
	if tz := strings.TrimSpace(os.Getenv("MONITOR_TIMEZONE")); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			GetLogger().WithField("field", "config").Warnf("invalid MONITOR_TIMEZONE %q; using UTC", tz)
		}
	}

	transport := strings.ToLower(strings.TrimSpace(os.Getenv("CLOSURE_EVENT_TRANSPORT")))
	if transport != ClosureTransportPubSub {
		transport = ClosureTransportChannel
	}
	topic := strings.TrimSpace(os.Getenv("CLOSURE_EVENT_TOPIC"))
	if topic == "" {
		topic = "assessment-closed"
	}

	return MonitorSettings{
		Location:            loc,
		AgingThresholdDays:  positiveIntFromEnv("AGING_THRESHOLD_DAYS", 14),
		GhostLookback:       time.Duration(positiveIntFromEnv("GHOST_LOOKBACK_DAYS", 7)) * 24 * time.Hour,
		UpstreamTimeout:     time.Duration(positiveIntFromEnv("UPSTREAM_TIMEOUT_SECONDS", 30)) * time.Second,
		SnapshotConcurrency: positiveIntFromEnv("SNAPSHOT_CONCURRENCY", 4),
		ClosureTransport:    transport,
		ClosureTopic:        topic,
		RunLockTTL:          time.Duration(positiveIntFromEnv("RUN_LOCK_TTL_MINUTES", 60)) * time.Minute,
	}
}

func positiveIntFromEnv(key string, def int) int {
	n := intFromEnv(key, def)
	if n <= 0 {
		return def
	}
	return n
}

// EnvBool reads a yes/no style flag.
func EnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
