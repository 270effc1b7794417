package voice

import (
	"personal/discordie_go/src/dispatch"
)

var (
	KindConnected    = dispatch.NewKind[Connected]("VOICE_CONNECTED")
	KindDisconnected = dispatch.NewKind[Disconnected]("VOICE_DISCONNECTED")
)

type Connected struct {
	Conn *Connection
}

// Disconnected is published when a connection is disposed, or with
// EndpointAwait set when the voice server moved and the connection is
// re-handshaking. Manual is true for local leaves and deletions.
type Disconnected struct {
	Conn          *Connection
	Err           error
	Manual        bool
	EndpointAwait *Migration
}
