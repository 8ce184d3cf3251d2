// ABOUTME: Server-sent events rendering for chat streams.
// ABOUTME: Forwards provider events to the HTTP caller as they are produced.

package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sightglass-dev/sightglass/internal/pool"
)

// ServeSSE runs a chat request and streams its events to the HTTP response.
// Caller disconnect cancels the completion; ad-hoc providers are torn down
// by the stream's Cancel either way.
func (b *Bridge) ServeSSE(w http.ResponseWriter, r *http.Request, req Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		b.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := b.Open(r.Context(), req)
	if err != nil {
		b.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer stream.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	b.writeSSEEvent(w, "started", map[string]bool{"pooled": stream.Pooled})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// The caller is already gone; nothing to tell them.
			return

		case ev, ok := <-stream.Events:
			if !ok {
				return
			}

			switch ev.Type {
			case pool.EventText:
				b.writeSSEEvent(w, "text", map[string]string{"text": ev.Text})
			case pool.EventToolCall:
				b.writeSSEEvent(w, "tool_call", map[string]any{"name": ev.ToolName, "args": normalizeRaw(ev.Data)})
			case pool.EventToolResult:
				b.writeSSEEvent(w, "tool_result", map[string]any{"name": ev.ToolName, "result": normalizeRaw(ev.Data)})
			case pool.EventDone:
				b.writeSSEEvent(w, "done", map[string]bool{"done": true})
				flusher.Flush()
				return
			case pool.EventError:
				b.writeSSEEvent(w, "error", map[string]string{"error": ev.Err.Error()})
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

// normalizeRaw makes empty raw payloads render as JSON null.
func normalizeRaw(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

// writeSSEEvent writes one SSE frame.
func (b *Bridge) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (b *Bridge) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		b.logger.Error("failed to write error response", "error", err)
	}
}
