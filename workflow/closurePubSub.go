package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/assessment_monitor/config"
)

// PublishFunc matches config.PublishJSON.
type PublishFunc func(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)

// PubSubDispatcher publishes closure events to a Pub/Sub topic. A push subscription
// delivers them back to api.ClosurePushHandler.
type PubSubDispatcher struct {
	Topic   string
	Publish PublishFunc
}

func NewPubSubDispatcher(topic string) *PubSubDispatcher {
	return &PubSubDispatcher{Topic: topic, Publish: config.PublishJSON}
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, ev ClosureEvent) error {
	if d.Topic == "" {
		return errors.New("closure topic is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = d.Publish(ctx, d.Topic, data, map[string]string{
		"job_guid": ev.JobGuid,
		"event_id": ev.EventId,
	})
	if err != nil {
		return fmt.Errorf("publish closure of %s: %w", ev.JobGuid, err)
	}
	return nil
}

// DecodeClosureEvent parses a published payload; the job guid falls back to the monitor's.
func DecodeClosureEvent(data []byte) (ClosureEvent, error) {
	var ev ClosureEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ClosureEvent{}, err
	}
	if ev.JobGuid == "" {
		ev.JobGuid = ev.Monitor.JobGuid
	}
	if ev.JobGuid == "" {
		return ClosureEvent{}, errors.New("closure event has no job_guid")
	}
	return ev, nil
}
