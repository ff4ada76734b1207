package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [session-id]",
	Short: "Show a session's message log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	mgr, done, err := sessionManager()
	if err != nil {
		return err
	}
	defer done()

	id := args[0]
	msgs, err := mgr.Messages(projectID(), id)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Printf("No messages in session %s\n", id)
		return nil
	}

	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Timestamp.Format("15:04:05"), m.Role)
		if m.Content != "" {
			fmt.Printf("  %s\n", m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Printf("  → %s %s\n", tc.Name, truncateArg(tc.Arguments))
		}
	}

	fmt.Printf("\n%d messages", len(msgs))
	if s, err := mgr.Get(projectID(), id); err == nil {
		fmt.Printf(" — %d in / %d out tokens, $%.4f", s.Metrics.InputTokens, s.Metrics.OutputTokens, s.Metrics.CostUSD)
	}
	fmt.Println()
	return nil
}
