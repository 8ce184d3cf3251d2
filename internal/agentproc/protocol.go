// ABOUTME: Wire frames for the stdin/stdout agent process protocol.
// ABOUTME: One JSON object per line in each direction.

package agentproc

import "encoding/json"

// frame is the envelope for every line exchanged with an agent process.
//
// Adapter -> process: initialize, completion, tool_result, cancel, shutdown.
// Process -> adapter: response (answers initialize/completion acceptance),
// chunk, tool_call, done, error.
type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// chunk
	Text string `json:"text,omitempty"`

	// tool_call
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// error / failed tool_result
	Message string `json:"message,omitempty"`
}

const (
	frameInitialize = "initialize"
	frameCompletion = "completion"
	frameToolResult = "tool_result"
	frameCancel     = "cancel"
	frameShutdown   = "shutdown"

	frameResponse = "response"
	frameChunk    = "chunk"
	frameToolCall = "tool_call"
	frameDone     = "done"
	frameError    = "error"
)

// initializeParams is the payload of an initialize frame.
type initializeParams struct {
	WorkingDir string `json:"working_dir,omitempty"`
}

// initializeResult is the result payload of the initialize response.
type initializeResult struct {
	SessionID string `json:"session_id"`
}

// completionParams is the payload of a completion frame.
type completionParams struct {
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}
