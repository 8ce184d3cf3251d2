// ABOUTME: Provider implementation over an agent process's stdin/stdout streams.
// ABOUTME: Correlates responses by id and routes stream frames to the active completion.

package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sightglass-dev/sightglass/internal/pool"
)

// ErrProcessExited is returned when the agent process goes away while a call
// is outstanding.
var ErrProcessExited = errors.New("agent process exited")

// Provider speaks the line-delimited JSON protocol with one agent process.
// At most one completion streams at a time; requests are correlated to
// responses by frame id.
type Provider struct {
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.Writer

	mu          sync.Mutex
	pending     map[string]chan *frame
	events      chan pool.Event
	streamCtx   context.Context
	streamTools map[string]pool.Tool
	exited      bool

	nextID atomic.Int64

	terminate func() error
	closeOnce sync.Once
	closeErr  error

	// readerDone is closed when the read loop exits.
	readerDone chan struct{}
}

// newProvider wires a provider over raw streams. terminate tears down the
// underlying transport or process and may be nil.
func newProvider(stdin io.Writer, stdout io.Reader, terminate func() error, logger *slog.Logger) *Provider {
	p := &Provider{
		logger:     logger.With("component", "agent-provider"),
		stdin:      stdin,
		pending:    make(map[string]chan *frame),
		terminate:  terminate,
		readerDone: make(chan struct{}),
	}
	go p.readLoop(stdout)
	return p
}

// InitSession performs the initialize handshake and returns the session id
// the process reports.
func (p *Provider) InitSession(ctx context.Context) (string, error) {
	params, err := json.Marshal(initializeParams{})
	if err != nil {
		return "", err
	}

	reply, err := p.call(ctx, frameInitialize, params)
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return "", fmt.Errorf("initialize result: %w", err)
	}
	if result.SessionID == "" {
		return "", errors.New("initialize result missing session_id")
	}
	return result.SessionID, nil
}

// Stream runs one completion. Events flow on the returned channel until a
// terminal done or error frame; cancelling ctx aborts the completion and
// closes the channel without a terminal event.
func (p *Provider) Stream(ctx context.Context, req pool.CompletionRequest) (<-chan pool.Event, error) {
	tools := make([]wireTool, 0, len(req.Tools))
	byName := make(map[string]pool.Tool, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		byName[t.Name] = t
	}

	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}

	params, err := json.Marshal(completionParams{Messages: msgs, Tools: tools})
	if err != nil {
		return nil, err
	}

	events := make(chan pool.Event, 16)

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil, ErrProcessExited
	}
	if p.events != nil {
		p.mu.Unlock()
		return nil, errors.New("completion already in flight")
	}
	p.events = events
	p.streamCtx = ctx
	p.streamTools = byName
	p.mu.Unlock()

	id := strconv.FormatInt(p.nextID.Add(1), 10)
	if err := p.send(&frame{Type: frameCompletion, ID: id, Params: params}); err != nil {
		p.clearStream(nil)
		return nil, err
	}

	// Watch for caller cancellation: tell the process to stop, then end the
	// stream with no terminal event.
	go func() {
		select {
		case <-ctx.Done():
			if p.clearStream(events) {
				if err := p.send(&frame{Type: frameCancel, ID: id}); err != nil {
					p.logger.Debug("cancel frame failed", "error", err)
				}
			}
		case <-p.readerDone:
		}
	}()

	return events, nil
}

// Cleanup asks the process to shut down and tears down the transport.
// Idempotent.
func (p *Provider) Cleanup() error {
	p.closeOnce.Do(func() {
		if err := p.send(&frame{Type: frameShutdown}); err != nil {
			p.logger.Debug("shutdown frame failed", "error", err)
		}
		if p.terminate != nil {
			p.closeErr = p.terminate()
		}
	})
	return p.closeErr
}

// call sends a request frame and waits for the matching response.
func (p *Provider) call(ctx context.Context, frameType string, params json.RawMessage) (*frame, error) {
	id := strconv.FormatInt(p.nextID.Add(1), 10)
	reply := make(chan *frame, 1)

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return nil, ErrProcessExited
	}
	p.pending[id] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.send(&frame{Type: frameType, ID: id, Params: params}); err != nil {
		return nil, err
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return nil, ErrProcessExited
		}
		if f.Message != "" {
			return nil, errors.New(f.Message)
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send writes one frame as a JSON line.
func (p *Provider) send(f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// readLoop pumps stdout frames until the stream ends, then fails everything
// outstanding.
func (p *Provider) readLoop(stdout io.Reader) {
	defer close(p.readerDone)

	scanner := bufio.NewScanner(stdout)
	// Agents can produce long lines (tool results with large payloads).
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			p.logger.Warn("dropping undecodable agent frame", "error", err)
			continue
		}

		p.dispatch(&f)
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("agent stdout read ended", "error", err)
	}

	p.mu.Lock()
	p.exited = true
	pending := p.pending
	p.pending = make(map[string]chan *frame)
	if p.events != nil {
		select {
		case p.events <- pool.Event{Type: pool.EventError, Err: ErrProcessExited}:
		default:
		}
		close(p.events)
		p.events = nil
	}
	p.streamCtx = nil
	p.streamTools = nil
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// dispatch routes one inbound frame.
func (p *Provider) dispatch(f *frame) {
	switch f.Type {
	case frameResponse:
		p.mu.Lock()
		ch, ok := p.pending[f.ID]
		p.mu.Unlock()
		if !ok {
			p.logger.Warn("response for unknown request", "request_id", f.ID)
			return
		}
		select {
		case ch <- f:
		default:
		}

	case frameChunk:
		p.emit(pool.Event{Type: pool.EventText, Text: f.Text})

	case frameToolCall:
		p.handleToolCall(f)

	case frameDone:
		p.finish(pool.Event{Type: pool.EventDone})

	case frameError:
		p.finish(pool.Event{Type: pool.EventError, Err: errors.New(f.Message)})

	default:
		p.logger.Debug("ignoring unknown frame type", "type", f.Type)
	}
}

// emit delivers a non-terminal event to the active stream, if any. The send
// happens under the mutex: every close of the events channel also holds the
// mutex, so a send can never race a close. The send is non-blocking, so
// holding the lock here cannot stall other lock holders.
func (p *Provider) emit(ev pool.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event buffer full, dropping stream event", "type", ev.Type)
	}
}

// handleToolCall invokes the named tool and replies with a tool_result frame.
// The invocation runs in its own goroutine so the read loop keeps pumping.
func (p *Provider) handleToolCall(f *frame) {
	p.mu.Lock()
	tool, ok := p.streamTools[f.Name]
	ctx := p.streamCtx
	p.mu.Unlock()

	p.emit(pool.Event{Type: pool.EventToolCall, ToolName: f.Name, Data: f.Args})

	if !ok {
		p.logger.Warn("agent called unknown tool", "tool", f.Name)
		if err := p.send(&frame{Type: frameToolResult, ID: f.ID, Message: fmt.Sprintf("unknown tool %q", f.Name)}); err != nil {
			p.logger.Debug("tool_result frame failed", "error", err)
		}
		return
	}

	id := f.ID
	name := f.Name
	args := f.Args
	go func() {
		result, err := tool.Call(ctx, args)

		reply := &frame{Type: frameToolResult, ID: id}
		if err != nil {
			reply.Message = err.Error()
		} else {
			reply.Result = result
		}

		// Emit before replying: once the agent sees the result it may finish
		// the stream, and a terminal frame detaches the event channel.
		p.emit(pool.Event{Type: pool.EventToolResult, ToolName: name, Data: result})
		if sendErr := p.send(reply); sendErr != nil {
			p.logger.Debug("tool_result frame failed", "error", sendErr)
		}
	}()
}

// finish detaches the active stream, delivers the terminal event, and closes
// the channel, all under the mutex so no concurrent emit can race the close.
// If the consumer stopped draining a full buffer, the terminal event is
// dropped rather than wedging the read loop.
func (p *Provider) finish(ev pool.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.events
	if events == nil {
		return
	}
	p.events = nil
	p.streamCtx = nil
	p.streamTools = nil
	select {
	case events <- ev:
	default:
		p.logger.Warn("event buffer full, dropping terminal event", "type", ev.Type)
	}
	close(events)
}

// clearStream detaches the stream if it is still the given one (or any, when
// nil) and closes it without a terminal event. Closing under the mutex keeps
// it ordered against emit and finish. Reports whether a stream was cleared.
func (p *Provider) clearStream(expect chan pool.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.events
	if events == nil || (expect != nil && events != expect) {
		return false
	}
	p.events = nil
	p.streamCtx = nil
	p.streamTools = nil
	close(events)
	return true
}
