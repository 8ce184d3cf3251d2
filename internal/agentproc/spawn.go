// ABOUTME: Spawns agent processes and wires their pipes into a Provider.
// ABOUTME: Stderr is drained to the log; teardown sends shutdown then kills after a grace period.

package agentproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/sightglass-dev/sightglass/internal/pool"
)

// killGrace is how long Cleanup waits for an agent to exit on its own after
// the shutdown frame before killing it.
const killGrace = 2 * time.Second

// Spawner builds pool.SpawnFunc values bound to a logger.
type Spawner struct {
	logger *slog.Logger
}

// NewSpawner creates a spawner.
func NewSpawner(logger *slog.Logger) *Spawner {
	return &Spawner{logger: logger.With("component", "agent-spawner")}
}

// Spawn starts the configured agent process and returns a provider over its
// stdio. The process outlives ctx: its lifetime is governed by the pool's
// refcounting, not by the request that first spawned it.
func (s *Spawner) Spawn(ctx context.Context, cfg pool.LaunchConfig) (pool.Provider, error) {
	_ = ctx

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir

	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}

	logger := s.logger.With("command", cfg.Command, "pid", cmd.Process.Pid)
	logger.Info("agent process started")

	go drainStderr(stderr, logger)

	waitDone := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(waitDone)
		if waitErr != nil {
			logger.Warn("agent process exited", "error", waitErr)
		} else {
			logger.Info("agent process exited")
		}
	}()

	terminate := func() error {
		stdin.Close()

		select {
		case <-waitDone:
			return nil
		case <-time.After(killGrace):
		}

		logger.Warn("agent did not exit after shutdown, killing")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing agent: %w", err)
		}
		<-waitDone
		return nil
	}

	return newProvider(stdin, stdout, terminate, logger), nil
}

// drainStderr surfaces agent diagnostics in our log.
func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Debug("agent stderr", "line", line)
		}
	}
}
