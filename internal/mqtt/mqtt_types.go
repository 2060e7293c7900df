package mqtt

import (
	"mesh-emulator/internal/commands"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/routing"
)

// CommandPayload is a command received on the command topic. RequestID is
// echoed in the reply.
type CommandPayload struct {
	commands.Command
	RequestID string `json:"request_id,omitempty"`
}

// CommandReply is published on the reply topic after each command.
type CommandReply struct {
	RequestID string         `json:"request_id,omitempty"`
	Command   string         `json:"command"`
	Status    int            `json:"status"`
	MessageID int            `json:"messageId"`
	Error     string         `json:"error,omitempty"`
	Nodes     []node.Info    `json:"nodes,omitempty"`
	Route     *routing.Route `json:"route,omitempty"`
}

// ReplyTopic is where replies to commands on topic are published.
func ReplyTopic(topic string) string { return topic + "/reply" }
