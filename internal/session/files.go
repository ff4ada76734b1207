package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Persisted layout: one <id>.json per session under the project's
// sessions directory, plus a co-located <id>.messages.jsonl append-only
// log, one JSON record per line.

func sessionsDir(dataDir, projectID string) string {
	return filepath.Join(dataDir, "projects", projectID, "sessions")
}

func sessionPath(dataDir, projectID, id string) string {
	return filepath.Join(sessionsDir(dataDir, projectID), id+".json")
}

func messagesPath(dataDir, projectID, id string) string {
	return filepath.Join(sessionsDir(dataDir, projectID), id+".messages.jsonl")
}

// writeSession persists the full session object as indented JSON.
func writeSession(dataDir string, s *Session) error {
	dir := sessionsDir(dataDir, s.ProjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(sessionPath(dataDir, s.ProjectID, s.ID), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// readSession loads one session file.
func readSession(dataDir, projectID, id string) (*Session, error) {
	data, err := os.ReadFile(sessionPath(dataDir, projectID, id))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &s, nil
}

// listSessions loads every session file for a project.
func listSessions(dataDir, projectID string) ([]*Session, error) {
	entries, err := os.ReadDir(sessionsDir(dataDir, projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".messages.jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		s, err := readSession(dataDir, projectID, id)
		if err != nil {
			continue // skip unreadable files, keep listing
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// appendMessageRecord appends one JSON line to the session's message log.
func appendMessageRecord(dataDir, projectID, id string, msg *Message) error {
	dir := sessionsDir(dataDir, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	f, err := os.OpenFile(messagesPath(dataDir, projectID, id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// readMessages loads the full ordered message log for a session.
func readMessages(dataDir, projectID, id string) ([]Message, error) {
	f, err := os.Open(messagesPath(dataDir, projectID, id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, fmt.Errorf("parse message log %s: %w", id, err)
		}
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}
	return messages, nil
}
