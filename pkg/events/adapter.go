package events

import (
	"context"

	"github.com/parley-chat/parley/pkg/bus"
)

// BusAdapter wraps bus.Bus to satisfy the Bus interface (the concrete
// Subscribe returns *bus.Subscription, which implements Subscription).
type BusAdapter struct {
	*bus.Bus
}

// NewBusAdapter creates a Bus from a bus.Bus.
func NewBusAdapter(b *bus.Bus) BusAdapter {
	return BusAdapter{Bus: b}
}

// Subscribe opens a subscription on channel.
func (a BusAdapter) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub, err := a.Bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
