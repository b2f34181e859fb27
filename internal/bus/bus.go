package bus

import "context"

const defaultBufferSize = 256

// MessageBus carries gateway events to the orchestrator.
type MessageBus struct {
	Events chan Event
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{Events: make(chan Event, size)}
}

// Publish blocks until the event is queued or ctx is done.
func (b *MessageBus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.Events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
