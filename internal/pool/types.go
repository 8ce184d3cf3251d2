// ABOUTME: Shared types for agent providers: launch configs, tools, and stream events.
// ABOUTME: A LaunchConfig fingerprint is the pooling key for provider reuse.

package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// LaunchConfig describes how to start an external agent process.
type LaunchConfig struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
}

// Fingerprint returns a stable key identifying this configuration. Two
// configs with the same command, args, env, and working directory share a
// pooled provider.
func (c LaunchConfig) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "cmd=%s\n", c.Command)
	fmt.Fprintf(h, "args=%s\n", strings.Join(c.Args, "\x00"))

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env=%s=%s\n", k, c.Env[k])
	}

	fmt.Fprintf(h, "dir=%s\n", c.WorkingDir)
	return hex.EncodeToString(h.Sum(nil))
}

// Tool is one invokable capability offered to the agent for a completion.
// Call relays the invocation back to whatever produced the tool catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Call        func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything a provider needs for one streamed
// completion.
type CompletionRequest struct {
	SessionID string
	Messages  []ChatMessage
	Tools     []Tool
}

// EventType classifies stream events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one item of a completion stream. The channel returned by Stream is
// closed after a terminal EventDone or EventError.
type Event struct {
	Type     EventType
	Text     string
	ToolName string
	Data     json.RawMessage
	Err      error
}

// Provider is a handle to a running agent process.
type Provider interface {
	// InitSession establishes a session on the provider and returns its id.
	InitSession(ctx context.Context) (string, error)

	// Stream runs one completion, delivering events until a terminal event.
	Stream(ctx context.Context, req CompletionRequest) (<-chan Event, error)

	// Cleanup terminates the underlying process. Idempotent.
	Cleanup() error
}

// SpawnFunc starts a provider for a launch config.
type SpawnFunc func(ctx context.Context, cfg LaunchConfig) (Provider, error)

// SpawnError wraps a failure to start or handshake an agent process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning agent %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
