// Package sessiontest provides an in-memory domain.SessionClient for tests.
package sessiontest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ticketbridge/internal/domain"
)

// Sent is one recorded SendText call.
type Sent struct {
	Destination string
	Text        string
}

// Fake is a scriptable session client. The zero value connects, reports
// connected, is ready on the first probe and acknowledges every send.
type Fake struct {
	// ConnectErr is returned by Connect. ConnectGate, when set, makes Connect
	// wait until it is closed.
	ConnectErr  error
	ConnectGate chan struct{}

	// Disconnected makes IsConnected report false; ConnectedErr makes it fail.
	Disconnected bool
	ConnectedErr error

	// ReadyAfter is the 1-based probe that first reports ready; 0 means the
	// first, a negative value means never. ProbeErr is returned by every
	// probe before that.
	ReadyAfter int
	ProbeErr   error

	// SendFunc scripts SendText by 1-based call number.
	SendFunc func(call int, destination, text string) (json.RawMessage, error)

	mu      sync.Mutex
	sends   []Sent
	probes  int
	inbound []func(domain.InboundMessage)
	states  []func(string)
}

var _ domain.SessionClient = (*Fake)(nil)

func (f *Fake) Connect(ctx context.Context) error {
	if f.ConnectGate != nil {
		select {
		case <-f.ConnectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.ConnectErr
}

func (f *Fake) IsConnected(context.Context) (bool, error) {
	if f.ConnectedErr != nil {
		return false, f.ConnectedErr
	}
	return !f.Disconnected, nil
}

func (f *Fake) ProbeReady(context.Context) (bool, error) {
	f.mu.Lock()
	f.probes++
	n := f.probes
	f.mu.Unlock()

	if f.ReadyAfter >= 0 && n >= f.ReadyAfter {
		return true, nil
	}
	return false, f.ProbeErr
}

func (f *Fake) SendText(_ context.Context, destination, text string) (json.RawMessage, error) {
	f.mu.Lock()
	f.sends = append(f.sends, Sent{Destination: destination, Text: text})
	n := len(f.sends)
	f.mu.Unlock()

	if f.SendFunc != nil {
		return f.SendFunc(n, destination, text)
	}
	return json.RawMessage(fmt.Sprintf(`{"id":"true_%s_%d"}`, destination, n)), nil
}

func (f *Fake) SubscribeInbound(handler func(domain.InboundMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, handler)
}

func (f *Fake) SubscribeState(handler func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, handler)
}

// EmitInbound delivers msg to every inbound subscriber.
func (f *Fake) EmitInbound(msg domain.InboundMessage) {
	f.mu.Lock()
	handlers := append([]func(domain.InboundMessage){}, f.inbound...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// EmitState delivers a native status to every state subscriber.
func (f *Fake) EmitState(status string) {
	f.mu.Lock()
	handlers := append([]func(string){}, f.states...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(status)
	}
}

func (f *Fake) Sends() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sends...)
}

func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}
