package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/beadsconsole/beadsconsole/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the console in the current directory",
	Long:  "Creates the data directory with a default config and memory database.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := dataDir()

	if _, err := os.Stat(filepath.Join(dir, configFile)); err == nil {
		return fmt.Errorf("already initialized (%s exists)", filepath.Join(dir, configFile))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	cfg := config.DefaultConfig()
	if err := config.Save(filepath.Join(dir, configFile), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Opening the memory store runs its migration.
	memes, err := openMemory(cfg)
	if err != nil {
		return fmt.Errorf("create memory store: %w", err)
	}
	memes.Close()

	fmt.Printf("Initialized beadscon in %s/\n", dir)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to configure your agents\n", filepath.Join(dir, configFile))
	fmt.Println("  2. Run: beadscon run <bead-id>")

	return nil
}
