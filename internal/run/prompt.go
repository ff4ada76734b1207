package run

import (
	"fmt"
	"strings"

	"github.com/beadsconsole/beadsconsole/internal/beads"
)

// BuildPrompt assembles the full prompt for an agent starting work on
// an item. Think of it as the ticket the agent reads before touching
// the code: profile, the item itself, where it sits in its epic, any
// memory brief, and the rules of engagement for the chosen mode.
func BuildPrompt(item *beads.WorkItem, mode Mode, profile, brief string, seq *Sequence, lookup func(id string) (*beads.WorkItem, error)) string {
	var parts []string

	if profile != "" {
		parts = append(parts, strings.TrimSpace(profile))
	}

	parts = append(parts, itemSection(item))

	if seq != nil {
		if epicCtx := epicSection(seq, lookup); epicCtx != "" {
			parts = append(parts, epicCtx)
		}
	}

	if brief != "" {
		parts = append(parts, strings.TrimSpace(brief))
	}

	parts = append(parts, modeInstructions(item.ID, mode))

	return strings.Join(parts, "\n\n")
}

func itemSection(item *beads.WorkItem) string {
	var sb strings.Builder

	sb.WriteString("## Work Item\n")
	sb.WriteString(fmt.Sprintf("**%s: %s**\n", item.ID, item.Title))
	if item.Type != "" {
		sb.WriteString(fmt.Sprintf("Type: %s\n", item.Type))
	}
	if item.Priority > 0 {
		sb.WriteString(fmt.Sprintf("Priority: %d\n", item.Priority))
	}
	sb.WriteString(fmt.Sprintf("Status: %s\n", item.Status))

	if item.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", item.Description))
	}
	if len(item.Blockers) > 0 {
		sb.WriteString(fmt.Sprintf("\nBlocked by: %s\n", strings.Join(item.Blockers, ", ")))
	}
	if len(item.BlockedBy) > 0 {
		sb.WriteString(fmt.Sprintf("Blocks: %s\n", strings.Join(item.BlockedBy, ", ")))
	}
	if item.Parent != "" {
		sb.WriteString(fmt.Sprintf("Parent: %s\n", item.Parent))
	}

	return sb.String()
}

// epicSection summarizes progress through the sequence so the agent
// knows what its siblings already did. Title lookups are best effort.
func epicSection(seq *Sequence, lookup func(id string) (*beads.WorkItem, error)) string {
	if len(seq.Completed) == 0 && len(seq.Failed) == 0 && len(seq.Remaining()) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Epic Progress (%s)\n", seq.EpicID))

	title := func(id string) string {
		if lookup == nil {
			return id
		}
		item, err := lookup(id)
		if err != nil || item.Title == "" {
			return id
		}
		return fmt.Sprintf("%s (%s)", id, item.Title)
	}

	if len(seq.Completed) > 0 {
		sb.WriteString("Completed:\n")
		for _, id := range seq.Completed {
			sb.WriteString(fmt.Sprintf("- %s\n", title(id)))
		}
	}
	if len(seq.Failed) > 0 {
		sb.WriteString("Failed (do not retry these):\n")
		for _, id := range seq.Failed {
			sb.WriteString(fmt.Sprintf("- %s\n", title(id)))
		}
	}
	if rest := seq.Remaining(); len(rest) > 0 {
		sb.WriteString("Still queued after this one:\n")
		for _, id := range rest {
			sb.WriteString(fmt.Sprintf("- %s\n", title(id)))
		}
	}

	return sb.String()
}

func modeInstructions(issueID string, mode Mode) string {
	switch mode {
	case ModeGuided:
		return fmt.Sprintf(`## Instructions
You are working in guided mode on %s.
- Explain what you plan to do and wait for direction before large changes
- Ask when anything is ambiguous rather than guessing
- When the user confirms the work is done, emit exactly one line: TASK_COMPLETED: <one-line summary>
- If you cannot proceed without information, emit: AWAITING_INPUT: <what you need>`, issueID)

	default: // autonomous
		return fmt.Sprintf(`## Instructions
You are working autonomously on %s.
- Implement the work item completely, including tests where they apply
- Update the item status yourself with: bd update %s --status in_progress (and later closed)
- When finished, emit exactly one line: TASK_COMPLETED: <one-line summary>
- If you need a human decision, emit: AWAITING_INPUT: <what you need>
- If you cannot make progress, emit: TASK_BLOCKED: <reason>`, issueID, issueID)
	}
}

// ContinuationPrompt wraps a user's mid-run message with enough
// context to anchor it to the task in flight.
func ContinuationPrompt(item *beads.WorkItem, text string) string {
	return fmt.Sprintf("Continuing work on %s: %s.\n\nUser message:\n%s", item.ID, item.Title, text)
}
