package relay

import "github.com/okian/resonance/internal/domain/model"

// Frame types exchanged on the websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameMessage     = "message"
	FrameError       = "error"
)

// Frame is one websocket payload.
type Frame struct {
	Type    string              `json:"type"`
	Channel string              `json:"channel,omitempty"`
	Message *model.RelayMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}
