// ABOUTME: Serves one streaming chat request end to end.
// ABOUTME: Resolves pooled vs ad-hoc providers and pulls the live tool catalog from the observer.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sightglass-dev/sightglass/internal/pool"
	"github.com/sightglass-dev/sightglass/internal/relay"
)

// Request is one chat invocation.
type Request struct {
	Messages  []pool.ChatMessage
	Config    pool.LaunchConfig
	SessionID string
}

// Stream is a running completion plus the teardown obligations that go with
// how its provider was resolved.
type Stream struct {
	Events <-chan pool.Event

	// Pooled reports whether the provider came from the pool. Pooled
	// providers survive the request; ad-hoc ones are torn down by Cancel.
	Pooled bool

	cancel func()
}

// Cancel aborts the in-flight completion and, only for an ad-hoc provider,
// tears it down. Safe to call multiple times.
func (s *Stream) Cancel() {
	s.cancel()
}

// Bridge wires chat requests to agent providers and the observer channel.
type Bridge struct {
	pool   *pool.Pool
	binder *relay.Binder
	spawn  pool.SpawnFunc
	logger *slog.Logger
}

// New creates a bridge. spawn is used for ad-hoc providers when no pooled
// session applies.
func New(p *pool.Pool, binder *relay.Binder, spawn pool.SpawnFunc, logger *slog.Logger) *Bridge {
	return &Bridge{
		pool:   p,
		binder: binder,
		spawn:  spawn,
		logger: logger.With("component", "chat-bridge"),
	}
}

// Open resolves a provider, loads the observer's tool catalog, and starts
// the completion. The caller must consume Events until it closes, and must
// call Cancel when the downstream connection goes away.
func (b *Bridge) Open(ctx context.Context, req Request) (*Stream, error) {
	streamCtx, cancelCtx := context.WithCancel(ctx)

	provider, sessionID, pooled, err := b.resolveProvider(streamCtx, req)
	if err != nil {
		cancelCtx()
		return nil, err
	}

	tools := b.loadTools(streamCtx)

	messages := req.Messages
	if diag := b.pendingDiagnostics(streamCtx); diag != "" {
		messages = append([]pool.ChatMessage{{Role: "system", Content: diag}}, messages...)
	}

	events, err := provider.Stream(streamCtx, pool.CompletionRequest{
		SessionID: sessionID,
		Messages:  messages,
		Tools:     tools,
	})
	if err != nil {
		cancelCtx()
		if !pooled {
			if cerr := provider.Cleanup(); cerr != nil {
				b.logger.Warn("ad-hoc provider cleanup failed", "error", cerr)
			}
		}
		return nil, err
	}

	cancel := func() {
		cancelCtx()
		if !pooled {
			if cerr := provider.Cleanup(); cerr != nil {
				b.logger.Warn("ad-hoc provider cleanup failed", "error", cerr)
			}
		}
	}

	return &Stream{Events: events, Pooled: pooled, cancel: cancel}, nil
}

// resolveProvider prefers the pooled provider owning the supplied session id;
// anything else gets a fresh ad-hoc provider with its own session. The
// returned session id is the one the completion actually runs under: for an
// ad-hoc provider that is the freshly initialized session, not whatever
// stale id the caller supplied.
func (b *Bridge) resolveProvider(ctx context.Context, req Request) (pool.Provider, string, bool, error) {
	if req.SessionID != "" {
		if provider, ok := b.pool.ProviderForSession(req.SessionID); ok {
			b.logger.Debug("using pooled provider", "session_id", req.SessionID)
			return provider, req.SessionID, true, nil
		}
		b.logger.Debug("session id not pooled, falling back to ad-hoc", "session_id", req.SessionID)
	}

	provider, err := b.spawn(ctx, req.Config)
	if err != nil {
		return nil, "", false, err
	}

	sessionID, err := provider.InitSession(ctx)
	if err != nil {
		if cerr := provider.Cleanup(); cerr != nil {
			b.logger.Warn("ad-hoc provider cleanup failed", "error", cerr)
		}
		return nil, "", false, fmt.Errorf("initializing ad-hoc session: %w", err)
	}

	return provider, sessionID, false, nil
}

// toolDescriptor is one entry of the observer's tools/list result.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// loadTools fetches the live tool catalog from the canonical observer and
// wraps each entry so invocations relay back through the same channel.
// Failures degrade to an empty tool set; tools are an enhancement, not a
// precondition.
func (b *Bridge) loadTools(ctx context.Context) []pool.Tool {
	observer, err := b.binder.Observer()
	if err != nil {
		b.logger.Debug("no observer bound, continuing without tools")
		return nil
	}

	result, err := observer.Call(ctx, "tools/list", nil)
	if err != nil {
		b.logger.Warn("tool catalog retrieval failed, continuing without tools", "error", err)
		return nil
	}

	var listing struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		b.logger.Warn("tool catalog undecodable, continuing without tools", "error", err)
		return nil
	}

	tools := make([]pool.Tool, 0, len(listing.Tools))
	for _, desc := range listing.Tools {
		name := desc.Name
		tools = append(tools, pool.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
			Call: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return observer.Call(ctx, "tools/call", map[string]any{
					"name":      name,
					"arguments": args,
				})
			},
		})
	}

	b.logger.Debug("loaded tool catalog", "count", len(tools))
	return tools
}

// pendingDiagnostics summarizes outstanding diagnostic items from the
// observer into a context message. Best effort: any failure returns "".
func (b *Bridge) pendingDiagnostics(ctx context.Context) string {
	observer, err := b.binder.Observer()
	if err != nil {
		return ""
	}

	result, err := observer.Call(ctx, "diagnostics/pending", nil)
	if err != nil {
		b.logger.Debug("pending diagnostics unavailable", "error", err)
		return ""
	}

	var listing struct {
		Items []struct {
			Severity string `json:"severity"`
			Message  string `json:"message"`
		} `json:"items"`
	}
	if err := json.Unmarshal(result, &listing); err != nil || len(listing.Items) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "There are %d pending diagnostic items in the inspected application:\n", len(listing.Items))
	for _, item := range listing.Items {
		fmt.Fprintf(&sb, "- [%s] %s\n", item.Severity, item.Message)
	}
	return sb.String()
}
