package api

import (
	"encoding/json"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageId  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ClosurePushHandler receives closure events from a Pub/Sub push subscription.
// Undecodable messages are acked with 204 so they are not redelivered forever;
// a handler failure answers 500 and Pub/Sub retries the delivery.
func ClosurePushHandler(handler workflow.ClosureHandler, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "api", "ClosurePushHandler", "invalid push envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		ev, err := workflow.DecodeClosureEvent(envelope.Message.Data)
		if err != nil {
			config.LogError(logger, "api", "ClosurePushHandler", "invalid closure event",
				logrus.Fields{"message_id": envelope.Message.MessageId}, err)
			c.Status(http.StatusNoContent)
			return
		}

		ctx := appctx.SetTrigger(c.Request.Context(), "pubsub")
		if err := handler.HandleClosure(ctx, ev); err != nil {
			config.LogError(logger, "api", "ClosurePushHandler", "closure handling failed",
				logrus.Fields{"message_id": envelope.Message.MessageId, "job_guid": ev.JobGuid}, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
