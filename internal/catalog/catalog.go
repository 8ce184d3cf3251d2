// ABOUTME: Loads the named agent launch catalog from a TOML file.
// ABOUTME: Catalog entries resolve agent names to full launch configurations.

package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/sightglass-dev/sightglass/internal/pool"
)

// ErrUnknownAgent is returned when a requested agent name is not in the catalog.
var ErrUnknownAgent = errors.New("unknown agent name")

// Catalog maps agent names to launch configurations.
type Catalog struct {
	agents map[string]pool.LaunchConfig
}

// fileFormat is the TOML shape of a catalog file:
//
//	[agents.claude]
//	command = "claude"
//	args = ["--stdio"]
//	working_dir = "/workspace"
//
//	[agents.claude.env]
//	ANTHROPIC_MODEL = "claude-sonnet-4-5"
type fileFormat struct {
	Agents map[string]agentEntry `toml:"agents"`
}

type agentEntry struct {
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	Env        map[string]string `toml:"env"`
	WorkingDir string            `toml:"working_dir"`
}

// Load reads a catalog file, expanding ${VAR} environment references.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var file fileFormat
	if _, err := toml.Decode(expanded, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	agents := make(map[string]pool.LaunchConfig, len(file.Agents))
	for name, entry := range file.Agents {
		if entry.Command == "" {
			return nil, fmt.Errorf("agent %q: command is required", name)
		}
		agents[name] = pool.LaunchConfig{
			Command:    entry.Command,
			Args:       entry.Args,
			Env:        entry.Env,
			WorkingDir: entry.WorkingDir,
		}
	}

	return &Catalog{agents: agents}, nil
}

// Empty returns a catalog with no entries.
func Empty() *Catalog {
	return &Catalog{agents: make(map[string]pool.LaunchConfig)}
}

// Resolve returns the launch config for an agent name.
func (c *Catalog) Resolve(name string) (pool.LaunchConfig, error) {
	cfg, ok := c.agents[name]
	if !ok {
		return pool.LaunchConfig{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return cfg, nil
}

// Names lists the catalog's agent names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
