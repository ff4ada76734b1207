package beads

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIStore talks to the bd CLI. Every call is bounded by a short
// timeout — the tracker is ancillary to the run engine and must never
// stall it.
type CLIStore struct {
	dir     string        // working directory for bd invocations
	timeout time.Duration // per-call ceiling
}

// NewCLIStore creates a store that shells out to bd in the given
// project directory. A timeout of zero means 10 seconds.
func NewCLIStore(dir string, timeout time.Duration) *CLIStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CLIStore{dir: dir, timeout: timeout}
}

var _ Store = (*CLIStore)(nil)

// Available checks if the bd CLI exists in PATH.
func Available() bool {
	_, err := exec.LookPath("bd")
	return err == nil
}

// Get returns a single work item by id.
func (s *CLIStore) Get(ctx context.Context, id string) (*WorkItem, error) {
	out, err := s.run(ctx, "show", id, "--json")
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, ErrNotFound
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" || trimmed == "null" {
		return nil, ErrNotFound
	}

	// bd show --json may return a single object or a one-element array.
	var item WorkItem
	if err := json.Unmarshal([]byte(trimmed), &item); err != nil {
		var items []WorkItem
		if err2 := json.Unmarshal([]byte(trimmed), &items); err2 != nil || len(items) == 0 {
			return nil, fmt.Errorf("bd show: parse JSON: %w: %s", err, trimmed)
		}
		item = items[0]
	}
	return &item, nil
}

// Children returns an epic's children in dependency order. The tracker
// performs the topological sort; we preserve its ordering.
func (s *CLIStore) Children(ctx context.Context, epicID string) ([]WorkItem, error) {
	out, err := s.run(ctx, "list", "--parent", epicID, "--sort", "dependency", "--json", "--limit", "0")
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" || trimmed == "[]" || trimmed == "null" {
		return nil, nil
	}

	var items []WorkItem
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("bd list: parse JSON: %w: %s", err, trimmed)
	}
	return items, nil
}

// UpdateStatus sets a work item's status via bd update. The tracker
// validates the transition; a rejected transition surfaces as an error.
func (s *CLIStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := s.run(ctx, "update", id, "--status", string(status))
	return err
}

// run executes a bd subcommand with the store's timeout applied.
func (s *CLIStore) run(ctx context.Context, args ...string) (string, error) {
	if !Available() {
		return "", ErrBDNotInstalled
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bd", args...)
	cmd.Dir = s.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("bd %s timed out after %s", args[0], s.timeout)
		}
		return "", fmt.Errorf("bd %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
