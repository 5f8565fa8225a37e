// Package channel defines the uniform delivery adapter contract, one
// implementation per provider, and the router that picks a channel per
// message.
package channel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelPush  Channel = "push"
)

// Valid reports whether ch is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelVoice, ChannelPush:
		return true
	}
	return false
}

// Content is the channel-agnostic content descriptor carried by a
// notification payload. Adapters map it onto their provider's wire format.
type Content struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Result reports a successful provider send.
type Result struct {
	ProviderMessageID string
}

// Adapter is the uniform send interface implemented per channel. The engine
// depends only on this contract, never on a provider's wire format.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, address string, content Content) (*Result, error)
}

// ErrChannelUnavailable is returned when no adapter is registered for a
// channel (e.g. provider credentials absent, channel disabled).
var ErrChannelUnavailable = errors.New("channel unavailable")

// PermanentError marks a provider rejection that retrying cannot fix: an
// invalid address or an unregistered device token.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent delivery failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry is the lookup table of delivery adapters keyed by channel. Adding
// a channel means registering one more adapter, nothing else changes.
type Registry struct {
	adapters map[Channel]Adapter
	logger   *zap.Logger
}

// NewRegistry builds a registry from the configured adapters. A channel with
// no adapter is simply unavailable; the rest of the system keeps functioning
// in degraded mode.
func NewRegistry(logger *zap.Logger, adapters ...Adapter) *Registry {
	m := make(map[Channel]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Channel()] = a
	}
	return &Registry{adapters: m, logger: logger}
}

// Get returns the adapter for a channel, if one is registered.
func (r *Registry) Get(ch Channel) (Adapter, bool) {
	a, ok := r.adapters[ch]
	return a, ok
}

// Available reports whether a channel has a registered adapter.
func (r *Registry) Available(ch Channel) bool {
	_, ok := r.adapters[ch]
	return ok
}

// Send dispatches through the adapter registered for ch.
func (r *Registry) Send(ctx context.Context, ch Channel, address string, content Content) (*Result, error) {
	adapter, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnavailable, ch)
	}
	return adapter.Send(ctx, address, content)
}
