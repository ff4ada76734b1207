package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/beadsconsole/beadsconsole/internal/agent"
	"github.com/beadsconsole/beadsconsole/internal/events"
	"github.com/beadsconsole/beadsconsole/internal/run"
	"github.com/beadsconsole/beadsconsole/internal/session"
)

var (
	runMode  string
	runAgent string
)

var runCmd = &cobra.Command{
	Use:   "run [bead-id]",
	Short: "Start an agent run for a work item",
	Long: `Starts one agent run against a bead and streams its output.

An item with open children runs as an epic: each child executes in
dependency order. When the agent asks for input, type your answer and
press enter; Ctrl-C cancels the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "autonomous", "run mode: autonomous or guided")
	runCmd.Flags().StringVarP(&runAgent, "agent", "a", "", "configured agent to use (default claude)")
}

func runRun(cmd *cobra.Command, args []string) error {
	beadID := args[0]
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	memes, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer memes.Close()

	tracker := openTracker(cfg)
	project := projectID()
	sessions := openSessions(cfg, memes, tracker)

	reg := run.NewRegistry(cfg.Runner.EvictionDelay())
	defer reg.Close()

	var eng *run.Engine
	bus := events.NewBroadcaster(cfg.Events.Buffer(), cfg.Events.Heartbeat(), func(id string) (any, bool) {
		if eng == nil {
			return nil, false
		}
		snap, err := eng.Snapshot(id)
		if err != nil {
			return nil, false
		}
		return snap, true
	})
	defer bus.Close()

	eng = run.NewEngine(cfg, reg, tracker, memes, &agent.CLITransport{}, bus, ".")

	// One active session per project: finish or close the previous one
	// before starting new work.
	if prev, err := sessions.ActiveForProject(project); err == nil && prev != nil {
		return fmt.Errorf("session %s is still active; close it first: beadscon sessions close %s", prev.ID, prev.ID)
	}

	sess, err := sessions.Create(ctx, project, session.CreateOpts{
		BeadID:    beadID,
		AgentName: runAgent,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Subscribe before the first event can fire.
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	r, err := eng.Start(ctx, run.StartOpts{
		ProjectID: project,
		IssueID:   beadID,
		Mode:      run.Mode(runMode),
		Agent:     runAgent,
	})
	if err != nil {
		_, _ = sessions.Close(project, sess.ID, "")
		return err
	}
	fmt.Printf("Run %s started for %s (%s: %s)\n\n", r.ID, beadID, r.IssueType, r.Title)

	// Ctrl-C cancels the run; the event loop then sees the terminal
	// status and unwinds normally.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCancelling run...")
		_ = eng.Stop(r.ID)
	}()

	// Stdin lines become continuation messages; the agent asks via
	// AWAITING_INPUT and this is how the human answers.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	final := streamRun(eng, sessions, project, sess.ID, r.ID, sub, lines)

	if _, err := sessions.Close(project, sess.ID, final.CompletionReason); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close session: %v\n", err)
	}

	fmt.Printf("\nRun %s: %s", r.ID, final.Status)
	if final.CompletionReason != "" {
		fmt.Printf(" — %s", final.CompletionReason)
	}
	fmt.Println()
	if final.Status == run.StatusFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}

// streamRun pumps run notifications to the terminal and the session
// log until the run reaches a terminal state.
func streamRun(eng *run.Engine, sessions *session.Manager, project, sessionID, runID string, sub *events.Subscriber, lines <-chan string) run.TaskRun {
	record := func(role session.Role, content string, tools []session.ToolCall) {
		_, err := sessions.AppendMessage(project, sessionID, session.Message{
			Role:      role,
			Content:   content,
			ToolCalls: tools,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: record message: %v\n", err)
		}
	}

	for {
		select {
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := eng.SendMessage(runID, line); err != nil {
				fmt.Fprintf(os.Stderr, "warning: send message: %v\n", err)
				continue
			}
			record(session.RoleUser, line, nil)

		case note, ok := <-sub.C():
			if !ok {
				if snap, err := eng.Snapshot(runID); err == nil {
					return snap
				}
				return run.TaskRun{Status: run.StatusFailed, CompletionReason: "event stream closed"}
			}
			if note.RunID != runID {
				continue
			}
			if done, final := handleNote(eng, note, runID, record); done {
				return final
			}
		}
	}
}

func handleNote(eng *run.Engine, note events.Notification, runID string, record func(session.Role, string, []session.ToolCall)) (bool, run.TaskRun) {
	var ev run.Event
	if len(note.Payload) > 0 {
		_ = json.Unmarshal(note.Payload, &ev)
	}

	switch note.Type {
	case "output":
		if text := strings.TrimSpace(ev.Text); text != "" {
			fmt.Println(text)
			record(session.RoleAssistant, ev.Text, nil)
		}
	case "tool_use":
		fmt.Printf("  → %s %s\n", ev.Tool, truncateArg(ev.ToolInput))
		record(session.RoleAssistant, "", []session.ToolCall{{Name: ev.Tool, Arguments: ev.ToolInput}})
	case "tool_result":
		// Tool output is noisy; keep it out of the terminal stream.
	case "error":
		fmt.Fprintf(os.Stderr, "agent error: %s\n", ev.Text)
	case "attention":
		var p map[string]string
		_ = json.Unmarshal(note.Payload, &p)
		fmt.Printf("\n⏸ Agent needs input: %s\n> ", p["detail"])
	case "auth_expired":
		fmt.Fprintln(os.Stderr, "Agent authentication expired — log in again and retry.")
	case "completion_signal":
		fmt.Printf("✓ %s\n", ev.Text)
	case "status_change":
		if ev.Status.Terminal() {
			if snap, err := eng.Snapshot(runID); err == nil {
				return true, snap
			}
			return true, run.TaskRun{Status: ev.Status, CompletionReason: ev.Text}
		}
		fmt.Printf("status: %s\n", ev.Status)
	}
	return false, run.TaskRun{}
}

func truncateArg(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
