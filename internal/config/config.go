// Package config loads and validates the console's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a beads console project.
type Config struct {
	Version int              `yaml:"version"`
	DataDir string           `yaml:"data_dir,omitempty"` // defaults to .beadsconsole
	Agents  map[string]Agent `yaml:"agents"`
	Runner  Runner           `yaml:"runner,omitempty"`
	Memory  Memory           `yaml:"memory,omitempty"`
	Events  Events           `yaml:"events,omitempty"`
}

// Agent describes a single AI coding agent CLI and how to spawn it.
type Agent struct {
	Cmd            string   `yaml:"cmd"`                       // CLI command to spawn
	Args           []string `yaml:"args,omitempty"`            // extra CLI arguments
	Profile        string   `yaml:"profile,omitempty"`         // profile text prepended to prompts
	AutoAccept     bool     `yaml:"auto_accept,omitempty"`     // skip permission prompts
	CredentialPath string   `yaml:"credential_path,omitempty"` // cleared on auth expiry
}

// Runner holds task run engine settings.
type Runner struct {
	PollIntervalSec  int `yaml:"poll_interval_sec,omitempty"`  // bead status polling (default 2)
	SettleDelayMs    int `yaml:"settle_delay_ms,omitempty"`    // pause between epic steps (default 1500)
	EvictionDelaySec int `yaml:"eviction_delay_sec,omitempty"` // terminal run retention (default 60)
	BeadTimeoutSec   int `yaml:"bead_timeout_sec,omitempty"`   // per bd CLI call (default 10)
}

// Memory holds memory brief and retention settings.
type Memory struct {
	TokenBudget      int `yaml:"token_budget,omitempty"`        // brief budget (default 2000)
	PurgeAfterDays   int `yaml:"purge_after_days,omitempty"`    // hard purge window after soft delete (default 30)
	BucketLimit      int `yaml:"bucket_limit,omitempty"`        // per-bucket query limit (default 50)
	CheckpointTTLDay int `yaml:"checkpoint_ttl_days,omitempty"` // checkpoint expiry (default 30)
}

// Events holds live update fan-out settings.
type Events struct {
	HeartbeatSec int `yaml:"heartbeat_sec,omitempty"` // heartbeat interval (default 15)
	BufferSize   int `yaml:"buffer_size,omitempty"`   // per-subscriber channel buffer (default 64)
}

// EffectiveArgs returns the final args for an agent CLI, injecting
// streaming and auto-accept flags for known tools.
//
// Known tools and their flags:
//   - claude: --print --output-format stream-json --input-format stream-json
//     plus --dangerously-skip-permissions when auto_accept is set
//   - gemini: --yolo when auto_accept is set
//   - codex:  --full-auto when auto_accept is set
//
// Users can always set these flags manually in args if they prefer.
func (a Agent) EffectiveArgs() []string {
	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if !containsAny(args, "--output-format") {
			args = append(args, "--output-format", "stream-json", "--verbose")
		}
		if !containsAny(args, "--input-format") {
			args = append(args, "--input-format", "stream-json")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}

	return args
}

// PollInterval returns the effective bead status polling interval.
func (r Runner) PollInterval() time.Duration {
	if r.PollIntervalSec > 0 {
		return time.Duration(r.PollIntervalSec) * time.Second
	}
	return 2 * time.Second
}

// SettleDelay returns the pause between finishing one epic entry and
// starting the next.
func (r Runner) SettleDelay() time.Duration {
	if r.SettleDelayMs > 0 {
		return time.Duration(r.SettleDelayMs) * time.Millisecond
	}
	return 1500 * time.Millisecond
}

// EvictionDelay returns how long terminal runs stay inspectable before
// eviction from the registry.
func (r Runner) EvictionDelay() time.Duration {
	if r.EvictionDelaySec > 0 {
		return time.Duration(r.EvictionDelaySec) * time.Second
	}
	return 60 * time.Second
}

// BeadTimeout returns the per-call timeout for bd CLI invocations.
func (r Runner) BeadTimeout() time.Duration {
	if r.BeadTimeoutSec > 0 {
		return time.Duration(r.BeadTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// Budget returns the effective memory brief token budget.
func (m Memory) Budget() int {
	if m.TokenBudget > 0 {
		return m.TokenBudget
	}
	return 2000
}

// PurgeWindow returns the retention window between soft delete and hard purge.
func (m Memory) PurgeWindow() time.Duration {
	days := m.PurgeAfterDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// Limit returns the per-bucket query limit.
func (m Memory) Limit() int {
	if m.BucketLimit > 0 {
		return m.BucketLimit
	}
	return 50
}

// Heartbeat returns the fan-out heartbeat interval.
func (e Events) Heartbeat() time.Duration {
	if e.HeartbeatSec > 0 {
		return time.Duration(e.HeartbeatSec) * time.Second
	}
	return 15 * time.Second
}

// Buffer returns the per-subscriber channel buffer size.
func (e Events) Buffer() int {
	if e.BufferSize > 0 {
		return e.BufferSize
	}
	return 64
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}

	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultDataDir is where the console keeps its config, memory
// database, and session files, relative to the project root.
const DefaultDataDir = ".beadsconsole"

// DefaultConfig returns a starter config with a single claude agent.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: DefaultDataDir,
		Agents: map[string]Agent{
			"claude": {Cmd: "claude", AutoAccept: true},
		},
	}
}

func (c *Config) validate() error {
	for name, agent := range c.Agents {
		if agent.Cmd == "" {
			return fmt.Errorf("agent %q: cmd is required", name)
		}
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
