// Package notify defines the sink for user-facing alerts the engine
// surfaces outside its event streams.
package notify

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/relaychat/realtime/internal/call"
)

var log = logging.Logger("realtime:notify")

// Sink receives out-of-band alerts. Implementations bridge to the
// platform notification layer and must not block.
type Sink interface {
	// IncomingCall fires when a call enters ringing.
	IncomingCall(c call.Call)
	// ForcedLogout fires when the server terminates the session.
	ForcedLogout()
}

// LogSink is the default sink. It only logs.
type LogSink struct{}

func (LogSink) IncomingCall(c call.Call) {
	log.Infow("incoming call", "call", c.ID, "chat", c.ChatID, "type", c.Type)
}

func (LogSink) ForcedLogout() {
	log.Warnw("session terminated by server")
}
