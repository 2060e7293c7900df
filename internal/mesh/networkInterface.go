package mesh

import (
	"context"

	"mesh-emulator/internal/packet"
)

// ILink is a node's connection to its firmware instance. Frames written here
// are what the node "hears".
type ILink interface {
	SendToRadio(ctx context.Context, msg packet.ToRadio) error
	Connected() bool
	// LocalConfig is the configuration captured by the last handshake.
	LocalConfig() packet.LocalConfig
}
