package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/beadsconsole/beadsconsole/internal/memory"
)

// summaryTruncateLen caps each side of the auto-generated last
// exchange included in a checkpoint.
const summaryTruncateLen = 500

// captureCheckpoint writes a checkpoint-kind memory entry for a
// closing session. Best effort: a failed write is logged and the close
// proceeds. Caller holds the session lock.
func (m *Manager) captureCheckpoint(s *Session, summary, trigger string) {
	if m.memes == nil {
		return
	}

	if summary == "" {
		messages, err := readMessages(m.dataDir, s.ProjectID, s.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("session", s.ID).Msg("checkpoint: message log unreadable, using bare summary")
		}
		summary = lastExchangeSummary(messages)
	}

	durationMs := int64(0)
	if s.StartedAt != nil {
		durationMs = m.now().Sub(*s.StartedAt).Milliseconds()
	}

	data, _ := json.Marshal(map[string]any{
		"trigger":       trigger,
		"session_id":    s.ID,
		"bead_id":       s.BeadID,
		"duration_ms":   durationMs,
		"message_count": s.Metrics.MessageCount,
	})

	entry := &memory.Entry{
		ProjectID: s.ProjectID,
		BeadID:    s.BeadID,
		EpicID:    s.EpicID,
		SessionID: s.ID,
		Kind:      memory.KindCheckpoint,
		Title:     checkpointTitle(s),
		Content:   summary,
		Data:      string(data),
	}

	if err := m.memes.Append(entry); err != nil {
		m.log.Warn().Err(err).Str("session", s.ID).Msg("checkpoint write failed")
		return
	}
	m.log.Debug().Str("session", s.ID).Str("entry", entry.ID).Msg("checkpoint captured")
}

func checkpointTitle(s *Session) string {
	if s.Title != "" {
		return "Checkpoint: " + s.Title
	}
	return "Checkpoint: session " + s.ID
}

// lastExchangeSummary builds a summary from the most recent user and
// assistant messages, each truncated with an ellipsis marker.
func lastExchangeSummary(messages []Message) string {
	var lastUser, lastAssistant string
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Role {
		case RoleUser:
			if lastUser == "" {
				lastUser = messages[i].Content
			}
		case RoleAssistant:
			if lastAssistant == "" {
				lastAssistant = messages[i].Content
			}
		}
		if lastUser != "" && lastAssistant != "" {
			break
		}
	}

	var parts []string
	if lastUser != "" {
		parts = append(parts, "User: "+truncate(lastUser, summaryTruncateLen))
	}
	if lastAssistant != "" {
		parts = append(parts, "Assistant: "+truncate(lastAssistant, summaryTruncateLen))
	}
	if len(parts) == 0 {
		return "Session closed without a final exchange."
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multibyte
	// character.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return fmt.Sprintf("%s...", s[:max])
}
