package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadsconsole/beadsconsole/internal/agent"
	"github.com/beadsconsole/beadsconsole/internal/beads"
	"github.com/beadsconsole/beadsconsole/internal/config"
)

type fakeTracker struct {
	mu    sync.Mutex
	items map[string]*beads.WorkItem
}

func newFakeTracker(items ...*beads.WorkItem) *fakeTracker {
	t := &fakeTracker{items: make(map[string]*beads.WorkItem)}
	for _, it := range items {
		t.items[it.ID] = it
	}
	return t
}

func (f *fakeTracker) Get(_ context.Context, id string) (*beads.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, beads.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *fakeTracker) Children(_ context.Context, epicID string) ([]beads.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	epic, ok := f.items[epicID]
	if !ok {
		return nil, beads.ErrNotFound
	}
	var out []beads.WorkItem
	for _, id := range epic.Children {
		if c, ok := f.items[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeTracker) UpdateStatus(_ context.Context, id string, status beads.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return beads.ErrNotFound
	}
	it.Status = status
	return nil
}

type fakeProcess struct {
	mu      sync.Mutex
	events  chan agent.Event
	sent    []string
	stopped bool
}

func (p *fakeProcess) Events() <-chan agent.Event { return p.events }

func (p *fakeProcess) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakeProcess) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.events)
	}
}

func (p *fakeProcess) emit(ev agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.events <- ev
	}
}

func (p *fakeProcess) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type fakeTransport struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	requests []agent.Request
	startErr error
}

func (t *fakeTransport) Start(_ context.Context, req agent.Request) (agent.Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return nil, t.startErr
	}
	p := &fakeProcess{events: make(chan agent.Event, 64)}
	t.procs = append(t.procs, p)
	t.requests = append(t.requests, req)
	return p, nil
}

func (t *fakeTransport) proc(i int) *fakeProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.procs) {
		return nil
	}
	return t.procs[i]
}

func (t *fakeTransport) procCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

type recordingBus struct {
	mu    sync.Mutex
	notes []string // "type" per publish, in order
}

func (b *recordingBus) Publish(_, event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes = append(b.notes, event)
}

func (b *recordingBus) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.notes {
		if e == event {
			n++
		}
	}
	return n
}

func testEngine(t *testing.T, tracker beads.Store) (*Engine, *fakeTransport, *recordingBus) {
	t.Helper()
	cfg := &config.Config{
		Agents: map[string]config.Agent{"claude": {Cmd: "claude"}},
		Runner: config.Runner{SettleDelayMs: 1},
	}
	transport := &fakeTransport{}
	bus := &recordingBus{}
	reg := NewRegistry(time.Minute)
	t.Cleanup(reg.Close)
	return NewEngine(cfg, reg, tracker, nil, transport, bus, t.TempDir()), transport, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func (e *Engine) statusOf(t *testing.T, runID string) Status {
	t.Helper()
	snap, err := e.Snapshot(runID)
	require.NoError(t, err)
	return snap.Status
}

func TestStartSingleTaskCompletedSignal(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "Add login form", Status: beads.StatusReady})
	eng, transport, bus := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)
	assert.Nil(t, r.Sequence)

	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusRunning })

	transport.proc(0).emit(agent.Event{Type: agent.EventText, Text: "done here\nTASK_COMPLETED: added login form"})

	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusCompleted })
	snap, err := eng.Snapshot(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "added login form", snap.CompletionReason)

	// Exactly one terminal status notification, and the item is free
	// for a new run.
	assert.Equal(t, 1, bus.count("completion_signal"))
	_, busy := eng.reg.ForItem("bd-1")
	assert.False(t, busy)
}

func TestStartRejectsDuplicate(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusReady})
	eng, _, _ := testEngine(t, tracker)

	_, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)

	_, err = eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	assert.ErrorIs(t, err, ErrDuplicateRun)
}

func TestStartUnknownItem(t *testing.T) {
	eng, _, _ := testEngine(t, newFakeTracker())
	_, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-9"})
	assert.ErrorIs(t, err, beads.ErrNotFound)
}

func TestStartUnknownAgent(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Status: beads.StatusReady})
	eng, _, _ := testEngine(t, tracker)
	_, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1", Agent: "gemini"})
	assert.ErrorContains(t, err, "not configured")
}

func TestEpicSkipsClosedChildren(t *testing.T) {
	tracker := newFakeTracker(
		&beads.WorkItem{ID: "bd-epic", Title: "Epic", Type: "epic", Status: beads.StatusInProgress, Children: []string{"bd-1", "bd-2", "bd-3"}},
		&beads.WorkItem{ID: "bd-1", Title: "first", Status: beads.StatusClosed},
		&beads.WorkItem{ID: "bd-2", Title: "second", Status: beads.StatusReady},
		&beads.WorkItem{ID: "bd-3", Title: "third", Status: beads.StatusOpen},
	)
	eng, transport, _ := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-epic"})
	require.NoError(t, err)
	require.NotNil(t, r.Sequence)
	assert.Equal(t, []string{"bd-2", "bd-3"}, r.Sequence.Items)

	waitFor(t, func() bool { return transport.procCount() == 1 })
	transport.mu.Lock()
	prompt := transport.requests[0].Prompt
	transport.mu.Unlock()
	assert.Contains(t, prompt, "bd-2: second")
}

func TestEpicAdvancesAndContinuesPastFailure(t *testing.T) {
	tracker := newFakeTracker(
		&beads.WorkItem{ID: "bd-epic", Title: "Epic", Type: "epic", Status: beads.StatusInProgress, Children: []string{"bd-2", "bd-3"}},
		&beads.WorkItem{ID: "bd-2", Title: "second", Status: beads.StatusReady},
		&beads.WorkItem{ID: "bd-3", Title: "third", Status: beads.StatusReady},
	)
	eng, transport, _ := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-epic"})
	require.NoError(t, err)

	waitFor(t, func() bool { return transport.procCount() == 1 })
	transport.proc(0).emit(agent.Event{Type: agent.EventText, Text: "TASK_BLOCKED: flaky fixture"})

	// The epic does not abort: the next child starts.
	waitFor(t, func() bool { return transport.procCount() == 2 })
	snap, err := eng.Snapshot(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, []string{"bd-2"}, snap.Sequence.Failed)

	transport.proc(1).emit(agent.Event{Type: agent.EventText, Text: "TASK_COMPLETED: third done"})

	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusCompleted })
	snap, err = eng.Snapshot(r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bd-3"}, snap.Sequence.Completed)
	assert.Equal(t, "epic finished: 1 completed, 1 failed", snap.CompletionReason)
}

func TestEpicAllChildrenFail(t *testing.T) {
	tracker := newFakeTracker(
		&beads.WorkItem{ID: "bd-epic", Type: "epic", Status: beads.StatusInProgress, Children: []string{"bd-2"}},
		&beads.WorkItem{ID: "bd-2", Title: "only", Status: beads.StatusReady},
	)
	eng, transport, _ := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-epic"})
	require.NoError(t, err)

	waitFor(t, func() bool { return transport.procCount() == 1 })
	transport.proc(0).emit(agent.Event{Type: agent.EventText, Text: "TASK_BLOCKED: cannot reach API"})

	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusFailed })
}

func TestAwaitingInputThenSendMessage(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "Pick a database", Status: beads.StatusReady})
	eng, transport, bus := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1", Mode: ModeGuided})
	require.NoError(t, err)

	transport.proc(0).emit(agent.Event{Type: agent.EventText, Text: "AWAITING_INPUT: which database?"})

	waitFor(t, func() bool {
		snap, err := eng.Snapshot(r.ID)
		return err == nil && snap.Status == StatusPaused && snap.AwaitingInput
	})
	assert.Equal(t, 1, bus.count("attention"))

	require.NoError(t, eng.SendMessage(r.ID, "use postgres"))

	snap, err := eng.Snapshot(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.False(t, snap.AwaitingInput)

	sent := transport.proc(0).sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Continuing work on bd-1: Pick a database")
	assert.Contains(t, sent[0], "use postgres")
}

func TestSendMessageUnknownRun(t *testing.T) {
	eng, _, _ := testEngine(t, newFakeTracker())
	err := eng.SendMessage("nope", "hello")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStopIsIdempotent(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusReady})
	eng, transport, bus := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)

	require.NoError(t, eng.Stop(r.ID))
	assert.Equal(t, StatusCancelled, eng.statusOf(t, r.ID))
	assert.True(t, transport.proc(0).stopped)

	// Second stop: no error, no extra notification.
	before := bus.count("status_change")
	require.NoError(t, eng.Stop(r.ID))
	assert.Equal(t, before, bus.count("status_change"))
}

func TestExitCodeFallback(t *testing.T) {
	for _, tc := range []struct {
		code int
		want Status
	}{
		{0, StatusCompleted},
		{1, StatusFailed},
	} {
		t.Run(fmt.Sprintf("exit_%d", tc.code), func(t *testing.T) {
			tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusReady})
			eng, transport, _ := testEngine(t, tracker)

			r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
			require.NoError(t, err)

			transport.proc(0).emit(agent.Event{Type: agent.EventDone, ExitCode: tc.code})
			waitFor(t, func() bool { return eng.statusOf(t, r.ID) == tc.want })
		})
	}
}

func TestAuthExpiredClearsCredentials(t *testing.T) {
	credPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte("{}"), 0o600))

	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusReady})
	eng, transport, bus := testEngine(t, tracker)
	eng.cfg.Agents["claude"] = config.Agent{Cmd: "claude", CredentialPath: credPath}

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)

	transport.proc(0).emit(agent.Event{Type: agent.EventAuthExpired, Text: "OAuth token has expired"})

	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusFailed })
	assert.Equal(t, 1, bus.count("auth_expired"))
	_, statErr := os.Stat(credPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExternalCloseCountsAsCompleted(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusInProgress})
	eng, _, _ := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)
	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusRunning })

	eng.mu.Lock()
	lr := eng.active[r.ID]
	eng.mu.Unlock()
	require.NotNil(t, lr)
	lr.mu.Lock()
	gen := lr.gen
	lr.mu.Unlock()

	// Drive the poll callback directly rather than waiting out the
	// polling interval.
	handler := eng.pollHandler(lr, gen, "bd-1")
	handler(beads.StatusInProgress, beads.StatusClosed)

	snap, err := eng.Snapshot(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "item closed externally", snap.CompletionReason)
}

func TestSpawnFailureFailsRun(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusReady})
	eng, transport, _ := testEngine(t, tracker)
	transport.startErr = fmt.Errorf("exec: claude not found")

	_, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.Error(t, err)

	// The item must be free for a retry.
	_, busy := eng.reg.ForItem("bd-1")
	assert.False(t, busy)
}

func TestStartMarksItemInProgress(t *testing.T) {
	tracker := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusReady})
	eng, _, _ := testEngine(t, tracker)

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)
	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusRunning })

	it, err := tracker.Get(context.Background(), "bd-1")
	require.NoError(t, err)
	assert.Equal(t, beads.StatusInProgress, it.Status)
}

type readOnlyTracker struct{ *fakeTracker }

func (t readOnlyTracker) UpdateStatus(context.Context, string, beads.Status) error {
	return fmt.Errorf("bd update failed: transition rejected")
}

func TestStartSurvivesStatusWriteFailure(t *testing.T) {
	inner := newFakeTracker(&beads.WorkItem{ID: "bd-1", Title: "task", Status: beads.StatusOpen})
	eng, transport, _ := testEngine(t, readOnlyTracker{inner})

	r, err := eng.Start(context.Background(), StartOpts{ProjectID: "proj", IssueID: "bd-1"})
	require.NoError(t, err)
	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusRunning })

	transport.proc(0).emit(agent.Event{Type: agent.EventText, Text: "TASK_COMPLETED: done"})
	waitFor(t, func() bool { return eng.statusOf(t, r.ID) == StatusCompleted })

	// The tracker write failed but the item itself was never touched.
	it, err := inner.Get(context.Background(), "bd-1")
	require.NoError(t, err)
	assert.Equal(t, beads.StatusOpen, it.Status)
}
