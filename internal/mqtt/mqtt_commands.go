package mqtt

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mesh-emulator/internal/commands"
	"mesh-emulator/internal/logging"
)

const commandTimeout = 5 * time.Second

// ProcessCommandMessage handles messages coming from the command topic and
// publishes a CommandReply on ReplyTopic(msg.Topic()).
func ProcessCommandMessage(ctl commands.Controller, out TokenPublisher, qos byte, log logging.Logger) mqtt.MessageHandler {
	if log == nil {
		log = logging.Noop()
	}
	return func(_ mqtt.Client, msg mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		var payload CommandPayload
		reply := CommandReply{MessageID: -1, Status: http.StatusOK}
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			log.Warn(ctx, "bad command payload", logging.String("topic", msg.Topic()), logging.Err(err))
			reply.Status, reply.Error = http.StatusBadRequest, err.Error()
		} else {
			reply.RequestID, reply.Command = payload.RequestID, payload.Name
			res, err := commands.Dispatch(ctx, ctl, payload.Command)
			reply.MessageID, reply.Nodes, reply.Route = res.MessageID, res.Nodes, res.Route
			if err != nil {
				reply.Status, reply.Error = commands.StatusFor(err), err.Error()
				log.Warn(ctx, "command failed", logging.String("command", payload.Name), logging.Err(err))
			} else {
				log.Info(ctx, "command accepted", logging.String("command", payload.Name), logging.Int("message_id", res.MessageID))
			}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			log.Error(ctx, "encode reply", logging.Err(err))
			return
		}
		if err := wait(ctx, out.Publish(ReplyTopic(msg.Topic()), qos, false, data)); err != nil {
			log.Warn(ctx, "publish reply", logging.Err(err))
		}
	}
}
