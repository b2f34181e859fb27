package bus

import "time"

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventIncoming     EventKind = "incoming"
	EventQR           EventKind = "qr"
)

// Event is what a channel gateway reports about one bot session.
type Event struct {
	Kind      EventKind
	SessionID string
	// From is the client handle of an incoming message.
	From     string
	PushName string
	Text     string
	// Code carries the pairing code of a qr event.
	Code string
	// Reason explains a disconnect, e.g. "logged_out".
	Reason string
	At     time.Time
}

const ReasonLoggedOut = "logged_out"
