// Package channel connects bot sessions to the messaging network.
package channel

import (
	"context"

	"github.com/stellarlinkco/jurisbot/internal/domain"
)

// Gateway is the outbound side of a messaging adapter. Inbound traffic and
// connection changes are published on the bus.
type Gateway interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	Send(ctx context.Context, sessionID, to, text string) error
	SetPresence(ctx context.Context, sessionID, to string, p domain.Presence) error
}

var _ Gateway = (*WhatsApp)(nil)
