// ABOUTME: Represents a single connected duplex channel and pumps its frames.
// ABOUTME: Routes replies to pending requests by id and hands everything else to a forward hook.

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Role classifies who is on the far end of a channel.
type Role string

const (
	RoleObserver Role = "observer"
	RoleOperator Role = "operator"
)

var (
	// ErrChannelClosed is returned when sending on or calling through a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrUnknownSession is returned when a session id does not resolve to a live channel.
	ErrUnknownSession = errors.New("unknown session id")

	// ErrDuplicateSession is returned when registering a session id that is
	// already held by a live channel.
	ErrDuplicateSession = errors.New("session id already in use")
)

// Channel is one connected peer. It owns the transport, correlates replies to
// in-flight requests by message id, and forwards everything else to a handler
// installed by the relay layer.
type Channel struct {
	SessionID string
	Role      Role
	GroupKey  string

	conn   Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	pending map[string]chan *Message
	forward func(*Message)
	hooks   []func()
	closed  bool
}

// New creates a channel over the given transport. Run must be called to start
// the read pump.
func New(sessionID string, role Role, groupKey string, conn Conn, logger *slog.Logger) *Channel {
	return &Channel{
		SessionID: sessionID,
		Role:      role,
		GroupKey:  groupKey,
		conn:      conn,
		logger:    logger.With("component", "channel", "session_id", sessionID),
		pending:   make(map[string]chan *Message),
	}
}

// SetForward installs the handler for inbound frames that are not replies to
// pending requests. The handler receives parsed messages with Raw populated.
func (c *Channel) SetForward(fn func(*Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward = fn
}

// OnClose registers a hook invoked exactly once when the channel closes,
// whether locally or because the peer went away.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Run pumps inbound frames until the transport fails, then closes the channel.
// It blocks and is intended to be the connection handler's main loop.
func (c *Channel) Run() {
	defer c.Close()

	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				c.logger.Debug("channel read ended", "error", err)
			}
			return
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		c.dispatch(msg)
	}
}

// dispatch routes a reply to its pending request, or hands the frame to the
// forward handler.
func (c *Channel) dispatch(msg *Message) {
	if msg.IsReply() {
		// The send stays under the lock: Close closes every pending channel
		// while holding it, so sending here can never hit a closed channel.
		// Non-blocking, in case the waiter already gave up.
		c.mu.RLock()
		ch, ok := c.pending[msg.ID]
		if ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("reply channel full, dropping message", "request_id", msg.ID)
			}
			c.mu.RUnlock()
			return
		}
		c.mu.RUnlock()
	}

	c.mu.RLock()
	forward := c.forward
	c.mu.RUnlock()

	if forward != nil {
		forward(msg)
		return
	}

	c.logger.Debug("no handler for inbound frame", "method", msg.Method, "request_id", msg.ID)
}

// Send writes one frame verbatim.
func (c *Channel) Send(raw []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(raw)
}

// Call sends a request and waits for the matching reply. The reply is
// correlated by a generated message id; context cancellation abandons the
// wait and cleans up the pending entry.
func (c *Channel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		rawParams = data
	}

	frame, err := json.Marshal(&Message{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	reply := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(frame); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, ErrChannelClosed
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the transport and fires the close hooks exactly once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[string]chan *Message)
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}

	for _, fn := range hooks {
		fn()
	}
}

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
