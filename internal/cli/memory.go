package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/beadsconsole/beadsconsole/internal/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage durable agent memory",
}

var (
	memKind  string
	memBead  string
	memEpic  string
	memTitle string
	memLimit int
)

var memoryAddCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Record a memory entry",
	Long: `Records a memory entry for this project. Constraints never expire;
other kinds age out on their retention window.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMemoryAdd,
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active memory entries",
	RunE:  runMemoryList,
}

var memorySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale entries and purge old soft-deleted ones",
	RunE:  runMemorySweep,
}

func init() {
	memoryAddCmd.Flags().StringVarP(&memKind, "kind", "k", "decision", "entry kind: constraint, decision, checkpoint, next_step, action_report, ci_note")
	memoryAddCmd.Flags().StringVar(&memBead, "bead", "", "scope to a bead id")
	memoryAddCmd.Flags().StringVar(&memEpic, "epic", "", "scope to an epic id")
	memoryAddCmd.Flags().StringVarP(&memTitle, "title", "t", "", "short title")
	memoryListCmd.Flags().IntVarP(&memLimit, "limit", "n", 30, "max entries to show")

	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memorySweepCmd)
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	memes, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer memes.Close()

	content := strings.Join(args, " ")
	title := memTitle
	if title == "" {
		title = firstWords(content, 6)
	}

	entry := &memory.Entry{
		ProjectID: projectID(),
		BeadID:    memBead,
		EpicID:    memEpic,
		Kind:      memory.Kind(memKind),
		Title:     title,
		Content:   content,
	}
	if err := memes.Append(entry); err != nil {
		return err
	}

	fmt.Printf("Recorded %s %s\n", entry.Kind, entry.ID)
	return nil
}

func runMemoryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	memes, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer memes.Close()

	entries, err := memes.List(projectID(), memLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No memory entries yet.")
		return nil
	}

	for _, e := range entries {
		scope := "project"
		if e.BeadID != "" {
			scope = e.BeadID
		} else if e.EpicID != "" {
			scope = "epic " + e.EpicID
		}
		fmt.Printf("[%s] %-13s %-10s %s\n", e.CreatedAt.Format("2006-01-02"), e.Kind, scope, e.Title)
	}
	return nil
}

func runMemorySweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	memes, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer memes.Close()

	expired, purged, err := memes.Sweep(cfg.Memory.PurgeWindow())
	if err != nil {
		return err
	}

	fmt.Printf("Swept memory: %d expired, %d purged\n", expired, purged)
	return nil
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
