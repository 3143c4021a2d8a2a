// Package channel hosts the chat surfaces that feed the conversation log.
package channel

import (
	"context"

	"github.com/stellarlinkco/kiroku/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(msg bus.OutboundMessage) error
	Stop() error
}

// BaseChannel carries the pieces every channel shares.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (b *BaseChannel) Name() string {
	return b.name
}

// IsAllowed reports whether a sender passes the allowlist. An empty
// allowlist admits everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	return b.allowFrom[senderID]
}
