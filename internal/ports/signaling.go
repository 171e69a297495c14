package ports

// SignalMessageType enumerates the bot-to-client signaling protocol.
type SignalMessageType string

const (
	SignalOpenLong      SignalMessageType = "open-long"
	SignalOpenShort     SignalMessageType = "open-short"
	SignalClosePosition SignalMessageType = "close-position"
	SignalPing          SignalMessageType = "ping"
	SignalPong          SignalMessageType = "pong"
)

// SignalMessage is one broadcast frame. Budget is set on open messages only.
type SignalMessage struct {
	Type   SignalMessageType `json:"type"`
	Budget float64           `json:"budget,omitempty"`
}

// SignalingChannel broadcasts trade instructions to every connected client.
// The lifecycle machine blocks until at least one client is connected before
// resolve-triggers are allowed to proceed.
type SignalingChannel interface {
	Broadcast(msg SignalMessage) error
	ClientCount() int
}
