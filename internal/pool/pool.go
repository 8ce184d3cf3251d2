// ABOUTME: Pools agent providers by launch-config fingerprint with refcounted sessions.
// ABOUTME: Concurrent spawns for the same fingerprint collapse into a single attempt.

package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionInfo records one live session on a pooled provider.
type SessionInfo struct {
	SessionID string
	CreatedAt time.Time
}

// entry is one pooled provider and its live sessions.
type entry struct {
	provider  Provider
	key       string
	sessions  map[string]SessionInfo
	createdAt time.Time
}

// Pool amortizes agent process spawns across sessions sharing a launch
// config. One instance per server.
type Pool struct {
	spawn  SpawnFunc
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	sessions map[string]string // sessionID -> fingerprint

	group singleflight.Group
}

// New creates an empty pool using spawn to start providers.
func New(spawn SpawnFunc, logger *slog.Logger) *Pool {
	return &Pool{
		spawn:    spawn,
		logger:   logger.With("component", "provider-pool"),
		entries:  make(map[string]*entry),
		sessions: make(map[string]string),
	}
}

// GetOrCreateSession returns a session id for the given launch config,
// reusing a warm provider when one exists. When no session exists, exactly
// one spawn runs per fingerprint no matter how many callers arrive
// concurrently; every caller observes the same outcome.
func (p *Pool) GetOrCreateSession(ctx context.Context, cfg LaunchConfig) (string, error) {
	key := cfg.Fingerprint()

	if id, ok := p.existingSession(key); ok {
		return id, nil
	}

	// The flight is shared across callers: run it on a context detached from
	// whichever caller happened to arrive first, so a disconnecting leader
	// does not abort the spawn for everyone who joined. Each caller honors
	// only its own ctx while waiting on the result.
	flightCtx := context.WithoutCancel(ctx)

	ch := p.group.DoChan(key, func() (any, error) {
		// A session may have appeared while we waited for the flight slot.
		if id, ok := p.existingSession(key); ok {
			return id, nil
		}

		provider, err := p.spawn(flightCtx, cfg)
		if err != nil {
			return "", &SpawnError{Command: cfg.Command, Err: err}
		}

		sessionID, err := provider.InitSession(flightCtx)
		if err != nil {
			if cerr := provider.Cleanup(); cerr != nil {
				p.logger.Warn("cleanup after failed handshake", "error", cerr)
			}
			return "", &SpawnError{Command: cfg.Command, Err: err}
		}

		p.mu.Lock()
		e, ok := p.entries[key]
		if !ok {
			e = &entry{
				provider:  provider,
				key:       key,
				sessions:  make(map[string]SessionInfo),
				createdAt: time.Now(),
			}
			p.entries[key] = e
		}
		e.sessions[sessionID] = SessionInfo{SessionID: sessionID, CreatedAt: time.Now()}
		p.sessions[sessionID] = key
		p.mu.Unlock()

		p.logger.Info("provider spawned", "fingerprint", key[:12], "session_id", sessionID)
		return sessionID, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			p.logger.Debug("joined in-flight spawn", "fingerprint", key[:12])
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// existingSession returns any live session id for a fingerprint.
func (p *Pool) existingSession(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || len(e.sessions) == 0 {
		return "", false
	}
	for id := range e.sessions {
		return id, true
	}
	return "", false
}

// ReleaseSession drops one session. When the owning provider's session count
// reaches zero its process is terminated and the entry removed. Releasing an
// unknown or already-released id is a no-op.
func (p *Pool) ReleaseSession(sessionID string) {
	p.mu.Lock()
	key, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, sessionID)

	e := p.entries[key]
	delete(e.sessions, sessionID)

	var provider Provider
	if len(e.sessions) == 0 {
		delete(p.entries, key)
		provider = e.provider
	}
	p.mu.Unlock()

	if provider != nil {
		p.logger.Info("last session released, terminating provider", "fingerprint", key[:12])
		if err := provider.Cleanup(); err != nil {
			p.logger.Warn("provider cleanup failed", "fingerprint", key[:12], "error", err)
		}
		return
	}

	p.logger.Debug("session released", "session_id", sessionID, "fingerprint", key[:12])
}

// ProviderForSession resolves a session id to its pooled provider.
func (p *Pool) ProviderForSession(sessionID string) (Provider, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Sessions returns a snapshot of all live sessions, for diagnostics.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SessionInfo, 0, len(p.sessions))
	for id, key := range p.sessions {
		if e, ok := p.entries[key]; ok {
			if info, ok := e.sessions[id]; ok {
				out = append(out, info)
			}
		}
	}
	return out
}

// Shutdown releases every session and terminates all providers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.sessions = make(map[string]string)
	p.mu.Unlock()

	for _, e := range entries {
		if err := e.provider.Cleanup(); err != nil {
			p.logger.Warn("provider cleanup failed during shutdown", "error", err)
		}
	}
}
