package channel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/store"
)

// ErrNoRoute is returned when no candidate channel has both a registered
// adapter and the recipient data it needs.
var ErrNoRoute = errors.New("no deliverable channel for recipient")

// Route is a resolved delivery decision.
type Route struct {
	Channel Channel
	Address string
}

// Router chooses a concrete channel per message with deterministic
// precedence: explicit channel on the message, then the kind override table,
// then the recipient's stored preference, then push. A candidate missing its
// prerequisite data (no verified phone, no push token) falls through to the
// next one rather than failing the send; every fallback is logged.
type Router struct {
	registry  *Registry
	overrides map[string]Channel
	logger    *zap.Logger
}

// NewRouter creates a router with the engine's kind override table:
// pace warnings are urgent and go over SMS, daily briefings are voice calls,
// weekly reviews are email digests.
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		overrides: map[string]Channel{
			store.KindPaceWarning:   ChannelSMS,
			store.KindDailyBriefing: ChannelVoice,
			store.KindWeeklyReview:  ChannelEmail,
		},
		logger: logger,
	}
}

// Resolve picks the channel and address for one message.
func (r *Router) Resolve(kind string, explicit *string, prefs *store.RecipientPrefs) (*Route, error) {
	var candidates []Channel

	if explicit != nil && Channel(*explicit).Valid() {
		candidates = append(candidates, Channel(*explicit))
	}
	if override, ok := r.overrides[kind]; ok {
		candidates = append(candidates, override)
	}
	if preferred := Channel(prefs.PreferredChannel); preferred.Valid() {
		candidates = append(candidates, preferred)
	}
	candidates = append(candidates, ChannelPush)

	seen := make(map[Channel]bool, len(candidates))
	for i, ch := range candidates {
		if seen[ch] {
			continue
		}
		seen[ch] = true

		address, ok := addressFor(ch, prefs)
		if !ok {
			r.logger.Info("channel missing prerequisite, falling back",
				zap.String("channel", string(ch)),
				zap.String("kind", kind),
				zap.String("recipient_id", prefs.RecipientID.String()),
			)
			continue
		}
		if !r.registry.Available(ch) {
			r.logger.Info("channel unavailable, falling back",
				zap.String("channel", string(ch)),
				zap.String("kind", kind),
			)
			continue
		}

		if i > 0 {
			r.logger.Info("routed to fallback channel",
				zap.String("channel", string(ch)),
				zap.String("kind", kind),
				zap.String("recipient_id", prefs.RecipientID.String()),
			)
		}
		return &Route{Channel: ch, Address: address}, nil
	}

	return nil, fmt.Errorf("%w: kind=%s recipient=%s", ErrNoRoute, kind, prefs.RecipientID)
}

// addressFor returns the recipient's address for a channel and whether the
// prerequisite data is on file.
func addressFor(ch Channel, prefs *store.RecipientPrefs) (string, bool) {
	switch ch {
	case ChannelEmail:
		if prefs.Email != nil && *prefs.Email != "" {
			return *prefs.Email, true
		}
	case ChannelSMS, ChannelVoice:
		if prefs.Phone != nil && *prefs.Phone != "" {
			return *prefs.Phone, true
		}
	case ChannelPush:
		if prefs.PushToken != nil && *prefs.PushToken != "" {
			return *prefs.PushToken, true
		}
	}
	return "", false
}
