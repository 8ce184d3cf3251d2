// ABOUTME: Maintains observer/operator forwarding pairs and group eviction policy.
// ABOUTME: The most recently connected observer is canonical; operators rebind to it eagerly.

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sightglass-dev/sightglass/internal/channel"
)

// TargetObserver binds an operator to whichever observer is canonical. Any
// other target value names an explicit observer channel by session id.
const TargetObserver = "observer"

var (
	// ErrNoObserver indicates an operator wants relay traffic but no observer
	// channel is bound yet. Not fatal: the operator waits unbound.
	ErrNoObserver = errors.New("no observer channel bound")

	// ErrUnknownTarget indicates an operator handshake named a relay target
	// that does not resolve to a live observer channel. Fatal: the connection
	// is rejected.
	ErrUnknownTarget = errors.New("unknown relay target")
)

// Pair forwards frames between one operator channel and the current observer.
// It is a pass-through proxy: frames cross verbatim, and observer replies are
// routed back to the operator that sent the matching request.
type Pair struct {
	operator *channel.Channel
	observer *channel.Channel

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newPair(operator, observer *channel.Channel) *Pair {
	return &Pair{
		operator: operator,
		observer: observer,
		inflight: make(map[string]struct{}),
	}
}

// forwardToObserver sends an operator frame onward, recording its id so the
// eventual reply can be routed back here.
func (p *Pair) forwardToObserver(msg *channel.Message) error {
	if msg.ID != "" && !msg.IsReply() {
		p.mu.Lock()
		p.inflight[msg.ID] = struct{}{}
		p.mu.Unlock()
	}
	return p.observer.Send(msg.Raw)
}

// owns reports whether a reply id belongs to a request this pair forwarded.
func (p *Pair) owns(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

// settle drops a completed request id.
func (p *Pair) settle(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// Binder owns the observer/operator binding state. One instance per server.
type Binder struct {
	registry *channel.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	observer  *channel.Channel
	operators map[string]*operatorState
	groups    map[string]string
}

// operatorState tracks one live operator channel and its current pair.
type operatorState struct {
	ch     *channel.Channel
	target string
	pair   *Pair
}

// NewBinder creates a binder over the given registry. The binder subscribes
// to registry removals so closed channels are unbound automatically.
func NewBinder(registry *channel.Registry, logger *slog.Logger) *Binder {
	b := &Binder{
		registry:  registry,
		logger:    logger.With("component", "relay-binder"),
		operators: make(map[string]*operatorState),
		groups:    make(map[string]string),
	}
	registry.SetOnRemove(b.handleChannelRemoved)
	return b
}

// HandleObserverConnect makes the new channel the canonical observer and
// rebinds every operator targeting the observer to it. Older observers stop
// receiving relay traffic; last writer wins.
func (b *Binder) HandleObserverConnect(obs *channel.Channel) {
	b.mu.Lock()

	prev := b.observer
	b.observer = obs

	rebound := 0
	for _, st := range b.operators {
		if st.target != TargetObserver {
			continue
		}
		st.pair = newPair(st.ch, obs)
		rebound++
	}
	b.mu.Unlock()

	obs.SetForward(func(msg *channel.Message) {
		b.routeFromObserver(obs, msg)
	})

	if prev != nil {
		b.logger.Info("observer replaced",
			"previous_session_id", prev.SessionID,
			"session_id", obs.SessionID,
			"operators_rebound", rebound,
		)
	} else {
		b.logger.Info("observer bound", "session_id", obs.SessionID, "operators_rebound", rebound)
	}
}

// HandleOperatorConnect evicts any live channel sharing the operator's group,
// registers the newcomer, and binds it: to the current observer for the
// default target, or directly to the named observer channel for an explicit
// session-id target. Returns ErrNoObserver when the operator must wait
// unbound (the channel stays registered), or ErrUnknownTarget when an
// explicit target does not resolve (fatal, nothing is mutated).
func (b *Binder) HandleOperatorConnect(op *channel.Channel, target string) error {
	groupKey := op.GroupKey

	b.mu.Lock()

	// Resolve an explicit target before touching any binding state, so a bad
	// handshake cannot evict the group's current holder.
	var explicit *channel.Channel
	if target != TargetObserver {
		tch, err := b.registry.Get(target)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownTarget, target)
		}
		if tch.Role != channel.RoleObserver {
			b.mu.Unlock()
			return fmt.Errorf("%w: %q is not an observer channel", ErrUnknownTarget, target)
		}
		explicit = tch
	}

	evictID, hasEvict := b.groups[groupKey]
	var evict *channel.Channel
	if hasEvict && evictID != op.SessionID {
		if st, ok := b.operators[evictID]; ok {
			evict = st.ch
		}
		delete(b.operators, evictID)
	}

	st := &operatorState{ch: op, target: target}
	switch {
	case explicit != nil:
		st.pair = newPair(op, explicit)
	case b.observer != nil:
		st.pair = newPair(op, b.observer)
	}
	b.operators[op.SessionID] = st
	b.groups[groupKey] = op.SessionID
	observer := b.observer
	b.mu.Unlock()

	// Close outside the lock: Close fires registry removal hooks that call
	// back into handleChannelRemoved.
	if evict != nil {
		b.logger.Info("evicting operator for group",
			"group_key", groupKey,
			"evicted_session_id", evict.SessionID,
			"session_id", op.SessionID,
		)
		evict.Close()
	}

	op.SetForward(func(msg *channel.Message) {
		b.routeFromOperator(op, msg)
	})

	if explicit == nil && observer == nil {
		b.logger.Info("operator waiting for observer", "session_id", op.SessionID, "group_key", groupKey)
		return ErrNoObserver
	}

	b.logger.Info("operator bound", "session_id", op.SessionID, "group_key", groupKey)
	return nil
}

// routeFromOperator forwards an operator frame to the observer side of its
// current pair. Frames from unbound operators are dropped.
func (b *Binder) routeFromOperator(op *channel.Channel, msg *channel.Message) {
	b.mu.Lock()
	st, ok := b.operators[op.SessionID]
	var pair *Pair
	if ok {
		pair = st.pair
	}
	b.mu.Unlock()

	if pair == nil {
		b.logger.Debug("dropping frame from unbound operator", "session_id", op.SessionID, "method", msg.Method)
		return
	}

	if err := pair.forwardToObserver(msg); err != nil {
		b.logger.Debug("forward to observer failed", "session_id", op.SessionID, "error", err)
	}
}

// routeFromObserver delivers an observer frame. Replies go back to the pair
// that forwarded the matching request; everything else fans out to every
// operator paired with this observer.
func (b *Binder) routeFromObserver(obs *channel.Channel, msg *channel.Message) {
	b.mu.Lock()
	var pairs []*Pair
	for _, st := range b.operators {
		if st.pair != nil && st.pair.observer == obs {
			pairs = append(pairs, st.pair)
		}
	}
	b.mu.Unlock()

	if msg.IsReply() {
		for _, p := range pairs {
			if p.owns(msg.ID) {
				p.settle(msg.ID)
				if err := p.operator.Send(msg.Raw); err != nil {
					b.logger.Debug("reply delivery failed", "session_id", p.operator.SessionID, "error", err)
				}
				return
			}
		}
		b.logger.Debug("reply without owning pair", "request_id", msg.ID)
		return
	}

	for _, p := range pairs {
		if err := p.operator.Send(msg.Raw); err != nil {
			b.logger.Debug("fanout delivery failed", "session_id", p.operator.SessionID, "error", err)
		}
	}
}

// Observer returns the canonical observer channel, or ErrNoObserver.
func (b *Binder) Observer() (*channel.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.observer == nil {
		return nil, ErrNoObserver
	}
	return b.observer, nil
}

// handleChannelRemoved unbinds whatever state the departed channel held. Any
// request already forwarded through a dropped pair simply never gets a reply.
func (b *Binder) handleChannelRemoved(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Unbind every pair whose far side was the removed channel. This covers
	// the canonical observer and explicitly targeted observers alike; pairs
	// bound to a different observer stay intact.
	unpaired := 0
	for _, st := range b.operators {
		if st.pair != nil && st.pair.observer.SessionID == sessionID {
			st.pair = nil
			unpaired++
		}
	}

	if b.observer != nil && b.observer.SessionID == sessionID {
		b.observer = nil
		b.logger.Info("observer unbound", "session_id", sessionID, "operators_unpaired", unpaired)
		return
	}
	if unpaired > 0 {
		b.logger.Info("targeted observer unbound", "session_id", sessionID, "operators_unpaired", unpaired)
		return
	}

	st, ok := b.operators[sessionID]
	if !ok {
		return
	}
	delete(b.operators, sessionID)
	if b.groups[st.ch.GroupKey] == sessionID {
		delete(b.groups, st.ch.GroupKey)
	}
	b.logger.Info("operator unbound", "session_id", sessionID, "group_key", st.ch.GroupKey)
}
