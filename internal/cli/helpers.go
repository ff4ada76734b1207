package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/beadsconsole/beadsconsole/internal/beads"
	"github.com/beadsconsole/beadsconsole/internal/config"
	"github.com/beadsconsole/beadsconsole/internal/memory"
	"github.com/beadsconsole/beadsconsole/internal/session"
)

const configFile = "config.yaml"
const memoryFile = "memory.db"

// dataDir returns the console's data directory for the current
// project, without requiring it to exist yet.
func dataDir() string {
	return config.DefaultDataDir
}

// loadConfig reads the project config, failing with a hint when the
// console was never initialized here.
func loadConfig() (*config.Config, error) {
	path := filepath.Join(dataDir(), configFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("beadscon not initialized in this directory. Run: beadscon init")
	}
	return config.Load(path)
}

// openMemory opens the project's memory store.
func openMemory(cfg *config.Config) (*memory.Store, error) {
	return memory.New(filepath.Join(cfg.DataDir, memoryFile))
}

// openTracker returns the bd-backed work item store rooted at the
// current directory.
func openTracker(cfg *config.Config) beads.Store {
	return beads.NewCLIStore(".", cfg.Runner.BeadTimeout())
}

// openSessions builds the session manager over the project stores.
func openSessions(cfg *config.Config, memes *memory.Store, tracker beads.Store) *session.Manager {
	return session.NewManager(cfg.DataDir, memes, tracker, cfg.Memory.Budget())
}

// projectID names the project after its directory, matching how the
// tracker scopes its database.
func projectID() string {
	wd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	return filepath.Base(wd)
}
