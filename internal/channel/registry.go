// ABOUTME: Tracks every open channel by session id.
// ABOUTME: Registration attaches a close hook so channels unregister themselves on teardown.

package channel

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the process-wide index of live channels. It does pure
// bookkeeping; binding policy lives in the relay layer, which subscribes to
// removals via SetOnRemove.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	onRemove func(sessionID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("component", "channel-registry"),
		channels: make(map[string]*Channel),
	}
}

// SetOnRemove installs a callback fired after a channel leaves the registry.
func (r *Registry) SetOnRemove(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// Register stores the channel and hooks its close to Remove, so a channel
// that dies for any reason cleans itself out of the registry. A session id
// already held by a live channel is rejected: silently replacing it would let
// the old channel's close hook evict the newcomer.
func (r *Registry) Register(ch *Channel) error {
	r.mu.Lock()
	if _, exists := r.channels[ch.SessionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateSession, ch.SessionID)
	}
	r.channels[ch.SessionID] = ch
	r.mu.Unlock()

	ch.OnClose(func() {
		r.Remove(ch.SessionID)
	})

	r.logger.Debug("channel registered", "session_id", ch.SessionID, "role", ch.Role)
	return nil
}

// Remove deletes the entry and notifies the removal callback. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, ok := r.channels[sessionID]
	if ok {
		delete(r.channels, sessionID)
	}
	onRemove := r.onRemove
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Debug("channel removed", "session_id", sessionID)

	if onRemove != nil {
		onRemove(sessionID)
	}
}

// Get returns the channel for a session id, or ErrUnknownSession.
func (r *Registry) Get(sessionID string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return ch, nil
}

// List returns a snapshot of all live channels.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}
