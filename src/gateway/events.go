package gateway

import (
	"encoding/json"
	"time"

	"personal/discordie_go/src/dispatch"

	"github.com/samber/mo"
)

var (
	KindDisconnected = dispatch.NewKind[Disconnected]("DISCONNECTED")
	KindReady        = dispatch.NewKind[Ready]("GATEWAY_READY")
	KindResumed      = dispatch.NewKind[Resumed]("GATEWAY_RESUMED")
)

// Disconnected is published once per lost session. Delay is set only when
// a reconnect has been scheduled.
type Disconnected struct {
	Err           error
	AutoReconnect bool
	Delay         mo.Option[time.Duration]
}

type Ready struct {
	SessionID string
	Data      json.RawMessage
}

type Resumed struct {
	Data json.RawMessage
}
