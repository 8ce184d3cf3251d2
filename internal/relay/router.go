// ABOUTME: Classifies inbound channel connections from their handshake frame.
// ABOUTME: Validates role variants, registers the channel, and hands it to the binder.

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sightglass-dev/sightglass/internal/channel"
)

// ErrMalformedHandshake indicates the first frame on a connection was not a
// valid handshake.
var ErrMalformedHandshake = errors.New("malformed handshake")

// Handshake is the first frame every connecting peer must send.
type Handshake struct {
	Role      string `json:"role"`
	GroupKey  string `json:"group_key,omitempty"`
	Target    string `json:"target,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// handshakeAck confirms a successful handshake and reports the session id
// assigned to the channel.
type handshakeAck struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Bound     bool   `json:"bound"`
}

// Router accepts raw connections, performs the handshake, and wires the
// resulting channel into the registry and binder.
type Router struct {
	registry *channel.Registry
	binder   *Binder
	logger   *slog.Logger
}

// NewRouter creates a router over the given registry and binder.
func NewRouter(registry *channel.Registry, binder *Binder, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		binder:   binder,
		logger:   logger.With("component", "session-router"),
	}
}

// Handle runs the full lifecycle of one connection: handshake, registration,
// classification, then the read pump until the connection closes. A handshake
// failure is returned before any registry mutation happens.
func (r *Router) Handle(conn channel.Conn) error {
	hs, err := r.readHandshake(conn)
	if err != nil {
		// Tell the peer why before dropping them.
		if data, merr := json.Marshal(map[string]string{"error": err.Error()}); merr == nil {
			_ = conn.WriteMessage(data)
		}
		conn.Close()
		return err
	}

	sessionID := hs.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ch := channel.New(sessionID, channel.Role(hs.Role), hs.GroupKey, conn, r.logger)
	if err := r.registry.Register(ch); err != nil {
		r.rejectChannel(ch, err)
		return err
	}

	bound := true
	switch channel.Role(hs.Role) {
	case channel.RoleObserver:
		r.binder.HandleObserverConnect(ch)
	case channel.RoleOperator:
		if err := r.binder.HandleOperatorConnect(ch, hs.Target); err != nil {
			if !errors.Is(err, ErrNoObserver) {
				r.rejectChannel(ch, err)
				return err
			}
			// Advisory only: the operator stays connected and binds when an
			// observer shows up.
			bound = false
		}
	}

	ack, err := json.Marshal(handshakeAck{SessionID: sessionID, Role: hs.Role, Bound: bound})
	if err == nil {
		if sendErr := ch.Send(ack); sendErr != nil {
			r.logger.Debug("handshake ack failed", "session_id", sessionID, "error", sendErr)
		}
	}

	ch.Run()
	return nil
}

// rejectChannel tells the peer why its accepted connection is being dropped,
// then closes the channel.
func (r *Router) rejectChannel(ch *channel.Channel, reason error) {
	if data, err := json.Marshal(map[string]string{"error": reason.Error()}); err == nil {
		if sendErr := ch.Send(data); sendErr != nil {
			r.logger.Debug("rejection frame failed", "session_id", ch.SessionID, "error", sendErr)
		}
	}
	ch.Close()
}

// readHandshake reads and validates the first frame against the closed set of
// role variants.
func (r *Router) readHandshake(conn channel.Conn) (*Handshake, error) {
	raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: reading handshake: %v", ErrMalformedHandshake, err)
	}

	var hs Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	switch channel.Role(hs.Role) {
	case channel.RoleObserver:
		if hs.GroupKey != "" || hs.Target != "" {
			return nil, fmt.Errorf("%w: observer handshake carries operator fields", ErrMalformedHandshake)
		}
	case channel.RoleOperator:
		if hs.GroupKey == "" {
			return nil, fmt.Errorf("%w: operator handshake requires group_key", ErrMalformedHandshake)
		}
		// Target is either the canonical observer or an explicit channel id;
		// ids are resolved against the registry at bind time.
		if hs.Target == "" {
			hs.Target = TargetObserver
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedHandshake, hs.Role)
	}

	return &hs, nil
}
