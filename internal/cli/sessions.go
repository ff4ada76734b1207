package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/beadsconsole/beadsconsole/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and close agent sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for this project",
	RunE:  runSessionsList,
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close [session-id]",
	Short: "Close a session",
	Long:  "Closes a session, capturing a checkpoint memory when it is bead-scoped and has messages.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClose,
}

var closeSummary string

func init() {
	sessionsCloseCmd.Flags().StringVarP(&closeSummary, "summary", "s", "", "summary stored with the checkpoint")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
}

func sessionManager() (*session.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	memes, err := openMemory(cfg)
	if err != nil {
		return nil, nil, err
	}
	mgr := openSessions(cfg, memes, openTracker(cfg))
	return mgr, func() { memes.Close() }, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	mgr, done, err := sessionManager()
	if err != nil {
		return err
	}
	defer done()

	list, err := mgr.List(projectID())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions yet.")
		return nil
	}

	fmt.Printf("%-36s  %-8s  %-12s  %-6s  %s\n", "ID", "STATUS", "BEAD", "MSGS", "STARTED")
	for _, s := range list {
		started := "-"
		if s.StartedAt != nil {
			started = s.StartedAt.Format("2006-01-02 15:04")
		}
		bead := s.BeadID
		if bead == "" {
			bead = "-"
		}
		fmt.Printf("%-36s  %-8s  %-12s  %-6d  %s\n", s.ID, s.Status, bead, s.Metrics.MessageCount, started)
	}
	return nil
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	mgr, done, err := sessionManager()
	if err != nil {
		return err
	}
	defer done()

	id := strings.TrimSpace(args[0])
	s, err := mgr.Close(projectID(), id, closeSummary)
	if err != nil {
		return err
	}

	fmt.Printf("Closed session %s (%d messages", s.ID, s.Metrics.MessageCount)
	if s.Metrics.DurationMs > 0 {
		fmt.Printf(", %.1fs", float64(s.Metrics.DurationMs)/1000)
	}
	fmt.Println(")")
	return nil
}
