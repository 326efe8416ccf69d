package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClosureEvent announces that an assessment left the active set.
type ClosureEvent struct {
	EventId    string                   `json:"event_id"`
	JobGuid    string                   `json:"job_guid"`
	Monitor    models.AssessmentMonitor `json:"monitor"`
	DetectedAt time.Time                `json:"detected_at"`
}

func NewClosureEvent(monitor models.AssessmentMonitor, detectedAt time.Time) ClosureEvent {
	return ClosureEvent{
		EventId:    uuid.NewString(),
		JobGuid:    monitor.JobGuid,
		Monitor:    monitor,
		DetectedAt: detectedAt,
	}
}

type ClosureHandler interface {
	HandleClosure(ctx context.Context, ev ClosureEvent) error
}

// ClosureDispatcher delivers closure events at least once. Dispatch returning nil means
// the event was accepted for delivery, not that it has been handled.
type ClosureDispatcher interface {
	Dispatch(ctx context.Context, ev ClosureEvent) error
}

var ErrDispatcherClosed = errors.New("closure dispatcher closed")

// ChannelDispatcher hands events to a handler on a background goroutine.
// Failed deliveries are retried with exponential backoff up to MaxAttempts.
type ChannelDispatcher struct {
	Handler        ClosureHandler
	Logger         *logrus.Logger
	MaxAttempts    int
	InitialBackoff time.Duration

	events chan ClosureEvent
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewChannelDispatcher(handler ClosureHandler, logger *logrus.Logger, buffer int) *ChannelDispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelDispatcher{
		Handler:        handler,
		Logger:         logger,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		events:         make(chan ClosureEvent, buffer),
		done:           make(chan struct{}),
	}
}

// Start runs the delivery loop until Close drains the queue.
func (d *ChannelDispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for ev := range d.events {
			d.deliver(ctx, ev)
		}
	}()
}

func (d *ChannelDispatcher) Dispatch(ctx context.Context, ev ClosureEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *ChannelDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	<-d.done
}

func (d *ChannelDispatcher) deliver(ctx context.Context, ev ClosureEvent) {
	backoff := d.InitialBackoff
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.Handler.HandleClosure(ctx, ev)
		if err == nil {
			return
		}
		if attempt == attempts {
			config.LogError(d.Logger, "workflow", "ChannelDispatcher.deliver",
				fmt.Sprintf("closure event dropped after %d attempts", attempt),
				logrus.Fields{"job_guid": ev.JobGuid, "event_id": ev.EventId}, err)
			return
		}
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":    "ChannelDispatcher",
				"job_guid": ev.JobGuid,
				"event_id": ev.EventId,
				"attempt":  attempt,
			}).Warn("closure handling failed, retrying: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}
