package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beadsconsole/beadsconsole/internal/beads"
	"github.com/beadsconsole/beadsconsole/internal/logging"
	"github.com/beadsconsole/beadsconsole/internal/memory"
)

// ErrNotFound is returned for operations referencing an unknown session.
var ErrNotFound = errors.New("session not found")

// CreateOpts carries the optional fields for session creation.
type CreateOpts struct {
	BeadID    string
	AgentID   string
	AgentName string
	Title     string
}

// Manager owns session lifecycle: creation with best-effort brief
// generation, message appends with metric aggregation, validated
// transitions, and checkpoint capture on close.
type Manager struct {
	dataDir string
	memes   *memory.Store
	tracker beads.Store
	budget  int
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*managed
}

// managed wraps a session with its own lock so unrelated sessions
// never serialize on each other.
type managed struct {
	mu   sync.Mutex
	sess *Session
}

// NewManager creates a session manager. The memory store and bead
// tracker are optional: without them, sessions simply never carry a
// brief and closes never capture checkpoints.
func NewManager(dataDir string, memes *memory.Store, tracker beads.Store, briefBudget int) *Manager {
	return &Manager{
		dataDir:  dataDir,
		memes:    memes,
		tracker:  tracker,
		budget:   briefBudget,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component("session"),
		sessions: make(map[string]*managed),
	}
}

// SetClock overrides the manager's time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create allocates a new session in draft with zeroed metrics. For
// bead-scoped sessions it resolves the bead's parent epic and attaches
// a memory brief; any failure there degrades to "no brief" rather than
// failing creation.
func (m *Manager) Create(ctx context.Context, projectID string, opts CreateOpts) (*Session, error) {
	if projectID == "" {
		return nil, fmt.Errorf("create session: project id is required")
	}

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		BeadID:         opts.BeadID,
		AgentID:        opts.AgentID,
		AgentName:      opts.AgentName,
		Title:          opts.Title,
		Status:         StatusDraft,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if opts.BeadID != "" {
		m.attachBrief(ctx, s)
	}

	if err := writeSession(m.dataDir, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = &managed{sess: s}
	m.mu.Unlock()

	return s, nil
}

// attachBrief resolves the bead's epic and generates the memory brief.
// Best effort: failures are logged and the session proceeds bare.
func (m *Manager) attachBrief(ctx context.Context, s *Session) {
	if m.tracker != nil {
		item, err := m.tracker.Get(ctx, s.BeadID)
		if err != nil {
			m.log.Warn().Err(err).Str("bead", s.BeadID).Msg("epic lookup failed, continuing without epic scope")
		} else if item.Parent != "" {
			s.EpicID = item.Parent
		}
	}

	if m.memes == nil {
		return
	}
	brief, err := m.memes.Brief(memory.Query{
		ProjectID: s.ProjectID,
		BeadID:    s.BeadID,
		EpicID:    s.EpicID,
	}, m.budget)
	if err != nil {
		m.log.Warn().Err(err).Str("session", s.ID).Msg("brief generation failed, continuing without brief")
		return
	}
	s.MemoryBrief = brief.Text
	s.MemoryBriefTokens = brief.EstimatedTokens
}

// Get returns a session by id, loading it from disk if necessary.
func (m *Manager) Get(projectID, id string) (*Session, error) {
	mg, err := m.managed(projectID, id)
	if err != nil {
		return nil, err
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	snapshot := *mg.sess
	return &snapshot, nil
}

// List returns all persisted sessions for a project.
func (m *Manager) List(projectID string) ([]*Session, error) {
	return listSessions(m.dataDir, projectID)
}

// ActiveForProject returns the project's active session, if any. The
// one-active-session policy is enforced by callers, not here.
func (m *Manager) ActiveForProject(projectID string) (*Session, error) {
	sessions, err := m.List(projectID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Status == StatusActive {
			return s, nil
		}
	}
	return nil, nil
}

// Messages returns the session's full ordered message log.
func (m *Manager) Messages(projectID, id string) ([]Message, error) {
	return readMessages(m.dataDir, projectID, id)
}

// AppendMessage appends to the immutable message log, aggregates
// metrics, and — on the first message — transitions draft to active.
func (m *Manager) AppendMessage(projectID, id string, msg Message) (*Session, error) {
	mg, err := m.managed(projectID, id)
	if err != nil {
		return nil, err
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()

	s := mg.sess
	if s.Terminal() {
		return nil, &InvalidTransitionError{From: s.Status, To: StatusActive}
	}

	now := m.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	if err := appendMessageRecord(m.dataDir, projectID, id, &msg); err != nil {
		return nil, err
	}

	s.Metrics.MessageCount++
	s.Metrics.ToolCallCount += len(msg.ToolCalls)
	if msg.Usage != nil {
		s.Metrics.InputTokens += msg.Usage.InputTokens
		s.Metrics.OutputTokens += msg.Usage.OutputTokens
		s.Metrics.CostUSD += msg.Usage.CostUSD
	}
	s.LastActivityAt = now

	// First message activates a draft exactly once.
	if s.Status == StatusDraft {
		s.Status = StatusActive
		s.StartedAt = &now
	}

	if err := writeSession(m.dataDir, s); err != nil {
		return nil, err
	}
	snapshot := *s
	return &snapshot, nil
}

// Transition validates and applies a status change, stamping the
// relevant timestamps.
func (m *Manager) Transition(projectID, id string, to Status) (*Session, error) {
	mg, err := m.managed(projectID, id)
	if err != nil {
		return nil, err
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()

	if err := m.transitionLocked(mg.sess, to); err != nil {
		return nil, err
	}
	if err := writeSession(m.dataDir, mg.sess); err != nil {
		return nil, err
	}
	snapshot := *mg.sess
	return &snapshot, nil
}

// transitionLocked applies the state machine to a held session.
func (m *Manager) transitionLocked(s *Session, to Status) error {
	if !CanTransition(s.Status, to) {
		return &InvalidTransitionError{From: s.Status, To: to}
	}

	now := m.now()
	switch to {
	case StatusActive:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.PausedAt = nil
	case StatusPaused:
		s.PausedAt = &now
	case StatusClosed:
		s.ClosedAt = &now
		s.PausedAt = nil
		if s.StartedAt != nil {
			s.Metrics.DurationMs = now.Sub(*s.StartedAt).Milliseconds()
		}
	}
	s.Status = to
	s.LastActivityAt = now
	return nil
}

// Close finalizes a session. For bead-scoped sessions with at least
// one message, a checkpoint is captured into the memory store before
// the close transition; checkpoint failure is logged, never blocking.
func (m *Manager) Close(projectID, id, summary string) (*Session, error) {
	mg, err := m.managed(projectID, id)
	if err != nil {
		return nil, err
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()

	s := mg.sess
	if !CanTransition(s.Status, StatusClosed) {
		return nil, &InvalidTransitionError{From: s.Status, To: StatusClosed}
	}

	if s.BeadID != "" && s.Metrics.MessageCount > 0 {
		m.captureCheckpoint(s, summary, "session_close")
	}

	if summary != "" {
		s.Summary = summary
	}
	if err := m.transitionLocked(s, StatusClosed); err != nil {
		return nil, err
	}
	if err := writeSession(m.dataDir, s); err != nil {
		return nil, err
	}
	snapshot := *s
	return &snapshot, nil
}

// managed returns the in-memory handle for a session, loading it from
// disk on first access.
func (m *Manager) managed(projectID, id string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mg, ok := m.sessions[id]; ok {
		return mg, nil
	}

	s, err := readSession(m.dataDir, projectID, id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	mg := &managed{sess: s}
	m.sessions[id] = mg
	return mg, nil
}
