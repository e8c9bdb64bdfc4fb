package analytics

import (
	"context"

	"sipkit/core"
)

// Bridge fans one event out to several hooks in order.
type Bridge struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *Bridge { return &Bridge{hooks: hooks} }

func (b *Bridge) OnEvent(ctx context.Context, e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(ctx, e)
	}
}
