package marketsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"github.com/gin-gonic/gin"
)

// PublishOperation queues one operation for execution by the push worker.
// Publishing is fire-and-forget from the caller's point of view: a lost or
// duplicated message is harmless because the worker goes back through the
// engine, which executes at most once.
func PublishOperation(ctx context.Context, op *models.Operation) error {
	topicName := strings.TrimSpace(os.Getenv("OPERATION_TOPIC"))
	if topicName == "" {
		topicName = "orderlink-operations"
	}

	if envBoolDefault("OPERATION_CREATE_TOPIC", false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
			return err
		}
	}

	_, err := config.PublishOperationWithResult(ctx, topicName, config.OperationMessage{
		OperationId:   op.ID,
		BusinessId:    op.BusinessId,
		Kind:          string(op.Kind),
		CorrelationId: op.CorrelationId,
	})
	return err
}

// PubSubPushHandler accepts Pub/Sub push deliveries and executes the
// referenced operation. Always responds 204: Pub/Sub redelivery is not our
// retry mechanism, the operation's own backoff is.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_OPERATION_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var msg config.OperationMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			c.Status(204)
			return
		}
		if msg.OperationId == 0 || msg.BusinessId == "" {
			c.Status(204)
			return
		}

		caller, ok := GetCallers()[models.OperationKind(msg.Kind)]
		if !ok {
			c.Status(204)
			return
		}

		ctx := utils.SetWorkerContext(c.Request.Context(), msg.BusinessId)
		if msg.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
		}
		_, _ = GetEngine().Execute(ctx, msg.BusinessId, msg.OperationId, caller)
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
