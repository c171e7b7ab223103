package domain

import (
	"context"
	"encoding/json"
)

// SessionClient is the chat automation engine the bridge drives. The bridge
// never depends on a concrete engine; browser.WhatsAppWeb is the production
// implementation and tests substitute fakes.
type SessionClient interface {
	// Connect starts the engine and blocks until the chat session is usable
	// at the network level or ctx ends.
	Connect(ctx context.Context) error
	IsConnected(ctx context.Context) (bool, error)
	// ProbeReady is a cheap idempotent check that the engine's internal
	// messaging API is callable.
	ProbeReady(ctx context.Context) (bool, error)
	// SendText returns the engine's native acknowledgment.
	SendText(ctx context.Context, destination, text string) (json.RawMessage, error)
	SubscribeInbound(handler func(InboundMessage))
	// SubscribeState receives the engine's native status strings.
	SubscribeState(handler func(status string))
}
