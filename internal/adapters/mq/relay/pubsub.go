// Package relay carries session messages between clients. Delivery is best
// effort and at most once: slow subscribers lose messages instead of blocking
// publishers.
package relay

import (
	"context"

	"github.com/okian/resonance/internal/domain/model"
)

// Handler receives messages published on a channel.
type Handler func(msg model.RelayMessage)

// Subscription is an active channel registration.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
}

// PubSub publishes and subscribes to named channels.
type PubSub interface {
	Publish(ctx context.Context, channel string, msg model.RelayMessage) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}
