package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type ghostCleaner interface {
	CleanupOnClose(ctx context.Context, jobGuid string) error
}

// ClosureListener tears down ghost tracking and the monitor of a closed assessment.
// Handling the same event twice is harmless: both deletes are no-ops the second time.
type ClosureListener struct {
	Ghosts   ghostCleaner
	Monitors MonitorStore
	Logger   *logrus.Logger
}

func NewClosureListener(ghosts *GhostDetectionService, monitors MonitorStore, logger *logrus.Logger) *ClosureListener {
	return &ClosureListener{Ghosts: ghosts, Monitors: monitors, Logger: logger}
}

func (l *ClosureListener) HandleClosure(ctx context.Context, ev ClosureEvent) error {
	jobGuid := ev.JobGuid
	if jobGuid == "" {
		jobGuid = ev.Monitor.JobGuid
	}
	if jobGuid == "" {
		return errors.New("closure event has no job_guid")
	}

	if err := l.Ghosts.CleanupOnClose(ctx, jobGuid); err != nil {
		return err
	}
	if err := l.Monitors.DeleteMonitor(ctx, jobGuid); err != nil {
		return fmt.Errorf("delete monitor %s: %w", jobGuid, err)
	}

	if l.Logger != nil {
		l.Logger.WithFields(logrus.Fields{
			"field":    "ClosureListener",
			"job_guid": jobGuid,
			"event_id": ev.EventId,
		}).Info("closed assessment cleaned up")
	}
	return nil
}
