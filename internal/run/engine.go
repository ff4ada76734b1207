package run

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beadsconsole/beadsconsole/internal/agent"
	"github.com/beadsconsole/beadsconsole/internal/beads"
	"github.com/beadsconsole/beadsconsole/internal/config"
	"github.com/beadsconsole/beadsconsole/internal/logging"
	"github.com/beadsconsole/beadsconsole/internal/memory"
)

// Notifier receives run events for fan-out to subscribers. Publish
// must never block: slow consumers are the notifier's problem, not the
// engine's.
type Notifier interface {
	Publish(runID, event string, payload any)
}

// Engine starts and supervises task runs. One external agent process
// is live per running TaskRun; the engine consumes its event stream,
// watches the tracker for externally applied status changes, and
// reacts to completion signals.
type Engine struct {
	cfg       *config.Config
	reg       *Registry
	tracker   beads.Store
	memories  *memory.Store
	transport agent.Transport
	bus       Notifier
	workDir   string
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*liveRun
}

// liveRun pairs a TaskRun with its process-side state. All mutation
// goes through mu; gen invalidates stale event consumers when an epic
// advances to a fresh process.
type liveRun struct {
	mu       sync.Mutex
	run      *TaskRun
	agentCfg config.Agent
	item     *beads.WorkItem // item the current process is working
	proc     agent.Process
	poller   *beads.Poller
	detector agent.Detector
	gen      int
	ctx      context.Context
}

// NewEngine creates an engine. bus may be nil when nothing subscribes.
func NewEngine(cfg *config.Config, reg *Registry, tracker beads.Store, memories *memory.Store, transport agent.Transport, bus Notifier, workDir string) *Engine {
	return &Engine{
		cfg:       cfg,
		reg:       reg,
		tracker:   tracker,
		memories:  memories,
		transport: transport,
		bus:       bus,
		workDir:   workDir,
		log:       logging.Component("run"),
		now:       time.Now,
		active:    make(map[string]*liveRun),
	}
}

// SetClock overrides the time source. For tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// StartOpts parameterizes a new run.
type StartOpts struct {
	ProjectID string
	IssueID   string
	Mode      Mode
	Agent     string // config agent name; defaults to "claude"
}

// Start begins a run for a work item. An item with non-closed children
// is executed as an epic: the children run in dependency order, one
// process at a time. A second start for an item whose run has not yet
// reached a terminal state is rejected.
func (e *Engine) Start(ctx context.Context, opts StartOpts) (*TaskRun, error) {
	agentName := opts.Agent
	if agentName == "" {
		agentName = "claude"
	}
	agentCfg, ok := e.cfg.Agents[agentName]
	if !ok {
		return nil, fmt.Errorf("agent %q not configured", agentName)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeAutonomous
	}

	item, err := e.tracker.Get(ctx, opts.IssueID)
	if err != nil {
		return nil, fmt.Errorf("resolve work item: %w", err)
	}

	now := e.now()
	r := &TaskRun{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		IssueID:   item.ID,
		Title:     item.Title,
		IssueType: item.Type,
		AgentName: agentName,
		Mode:      mode,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if item.IsEpic() {
		seq, err := e.buildSequence(ctx, item)
		if err != nil {
			return nil, err
		}
		if seq != nil {
			r.Sequence = seq
		}
	}

	if err := e.reg.Add(r); err != nil {
		return nil, err
	}

	lr := &liveRun{run: r, agentCfg: agentCfg, ctx: ctx}
	e.mu.Lock()
	e.active[r.ID] = lr
	e.mu.Unlock()

	first := item.ID
	if r.Sequence != nil {
		first, _ = r.Sequence.CurrentItem()
	}

	lr.mu.Lock()
	err = e.launchItem(lr, first)
	lr.mu.Unlock()
	if err != nil {
		lr.mu.Lock()
		e.finishRun(lr, StatusFailed, fmt.Sprintf("agent spawn failed: %v", err))
		lr.mu.Unlock()
		return nil, err
	}

	e.log.Info().Str("run", r.ID).Str("bead", r.IssueID).Str("mode", string(mode)).Msg("run started")
	return r, nil
}

// buildSequence plans an epic run over the item's non-closed children.
// Returns nil when every child is already closed, in which case the
// epic is treated as a single task.
func (e *Engine) buildSequence(ctx context.Context, epic *beads.WorkItem) (*Sequence, error) {
	children, err := e.tracker.Children(ctx, epic.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve epic children: %w", err)
	}
	var ids []string
	for _, c := range children {
		if c.Status != beads.StatusClosed {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return NewSequence(epic.ID, ids), nil
}

// launchItem spawns a process for one work item and wires its event
// stream and status poller. Caller holds lr.mu.
func (e *Engine) launchItem(lr *liveRun, itemID string) error {
	ctx := lr.ctx

	item := lr.item
	if item == nil || item.ID != itemID {
		fetched, err := e.tracker.Get(ctx, itemID)
		if err != nil {
			return fmt.Errorf("resolve work item: %w", err)
		}
		item = fetched
	}
	lr.item = item

	prompt := BuildPrompt(item, lr.run.Mode, lr.agentCfg.Profile, e.briefFor(lr.run.ProjectID, item), lr.run.Sequence, func(id string) (*beads.WorkItem, error) {
		return e.tracker.Get(ctx, id)
	})

	proc, err := e.transport.Start(ctx, agent.Request{
		RunID:   lr.run.ID,
		Prompt:  prompt,
		WorkDir: e.workDir,
		Agent:   lr.agentCfg,
	})
	if err != nil {
		return err
	}

	// Mark the item as actively worked on. Best effort: the tracker is
	// ancillary and a rejected or failed write must not sink the run.
	if item.Status == beads.StatusOpen || item.Status == beads.StatusReady {
		if err := e.tracker.UpdateStatus(ctx, item.ID, beads.StatusInProgress); err != nil {
			e.log.Warn().Err(err).Str("bead", item.ID).Msg("mark in_progress failed")
		} else {
			item.Status = beads.StatusInProgress
		}
	}

	lr.gen++
	lr.proc = proc
	lr.detector = agent.Detector{}

	ev, err := lr.run.setStatus(StatusRunning, "", e.now())
	if err != nil {
		// Unreachable from queued/running/paused; stop the orphan.
		proc.Stop()
		return err
	}
	e.publish(lr.run.ID, ev)

	lr.poller = beads.NewPoller(e.tracker, item.ID, item.Status, e.cfg.Runner.PollInterval(), e.pollHandler(lr, lr.gen, item.ID))
	lr.poller.Start(ctx)

	go e.consume(lr, proc, lr.gen)
	return nil
}

// briefFor builds a memory brief for the prompt. Best effort: a
// storage failure degrades to no brief.
func (e *Engine) briefFor(projectID string, item *beads.WorkItem) string {
	if e.memories == nil {
		return ""
	}
	b, err := e.memories.Brief(memory.Query{
		ProjectID: projectID,
		BeadID:    item.ID,
		EpicID:    item.Parent,
	}, e.cfg.Memory.Budget())
	if err != nil {
		e.log.Warn().Err(err).Str("bead", item.ID).Msg("memory brief unavailable")
		return ""
	}
	if b.IncludedCount == 0 {
		return ""
	}
	return b.Text
}

// pollHandler reacts to externally applied status changes on the item
// a process is working. A transition to closed counts the same as a
// TASK_COMPLETED marker from the agent.
func (e *Engine) pollHandler(lr *liveRun, gen int, itemID string) func(old, new beads.Status) {
	return func(old, new beads.Status) {
		if new != beads.StatusClosed {
			return
		}
		lr.mu.Lock()
		defer lr.mu.Unlock()
		if lr.gen != gen || lr.run.Status != StatusRunning {
			return
		}
		e.log.Info().Str("run", lr.run.ID).Str("bead", itemID).Msg("item closed externally")
		rec := lr.run.Record(EventCompletionSignal, e.now(), func(ev *Event) {
			ev.Text = "item closed externally"
		})
		e.publish(lr.run.ID, rec)
		e.finishItem(lr, true, "item closed externally")
	}
}

// consume drains one process's event stream. The channel closes after
// the process exits, so this goroutine always terminates.
func (e *Engine) consume(lr *liveRun, proc agent.Process, gen int) {
	for ev := range proc.Events() {
		lr.mu.Lock()
		if lr.gen != gen || lr.run.Status.Terminal() {
			lr.mu.Unlock()
			continue
		}
		switch ev.Type {
		case agent.EventText:
			rec := lr.run.Record(EventOutput, e.now(), func(r *Event) { r.Text = ev.Text })
			e.publish(lr.run.ID, rec)
			if sig := lr.detector.Feed(ev.Text); sig != nil {
				rec := lr.run.Record(EventCompletionSignal, e.now(), func(r *Event) {
					r.Text = fmt.Sprintf("%s: %s", sig.Kind, sig.Detail)
				})
				e.publish(lr.run.ID, rec)
				e.handleSignal(lr, sig)
			}
		case agent.EventToolUse:
			rec := lr.run.Record(EventToolUse, e.now(), func(r *Event) {
				r.Tool = ev.Tool
				r.ToolInput = ev.ToolInput
			})
			e.publish(lr.run.ID, rec)
		case agent.EventToolResult:
			rec := lr.run.Record(EventToolResult, e.now(), func(r *Event) { r.Text = ev.Text })
			e.publish(lr.run.ID, rec)
		case agent.EventError:
			rec := lr.run.Record(EventError, e.now(), func(r *Event) { r.Text = ev.Text })
			e.publish(lr.run.ID, rec)
		case agent.EventAuthExpired:
			e.handleAuthExpired(lr, ev.Text)
		case agent.EventDone:
			e.handleExit(lr, ev.ExitCode)
		}
		lr.mu.Unlock()
	}
}

// handleSignal reacts to a sentinel marker in agent output. Caller
// holds lr.mu.
func (e *Engine) handleSignal(lr *liveRun, sig *agent.Signal) {
	switch sig.Kind {
	case agent.SignalAwaitingInput:
		if ev, err := lr.run.setStatus(StatusPaused, "", e.now()); err == nil {
			lr.run.AwaitingInput = true
			if lr.poller != nil {
				lr.poller.Stop()
			}
			e.publish(lr.run.ID, ev)
			e.notify(lr.run.ID, "attention", map[string]string{"detail": sig.Detail})
		}
	case agent.SignalCompleted:
		e.finishItem(lr, true, sig.Detail)
	case agent.SignalBlocked:
		e.finishItem(lr, false, sig.Detail)
	}
}

// handleAuthExpired fails the run and invalidates stored credentials.
// Retrying with the same credentials would fail again, so this is
// reported for the client to re-authenticate, never retried.
func (e *Engine) handleAuthExpired(lr *liveRun, detail string) {
	rec := lr.run.Record(EventError, e.now(), func(r *Event) { r.Text = detail })
	e.publish(lr.run.ID, rec)

	if path := lr.agentCfg.CredentialPath; path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("path", path).Msg("could not clear credentials")
		} else {
			e.log.Info().Str("path", path).Msg("cleared stored credentials")
		}
	}

	e.finishRun(lr, StatusFailed, "authentication expired")
	e.notify(lr.run.ID, "auth_expired", map[string]string{"agent": lr.run.AgentName})
}

// handleExit applies the exit-code fallback for a process that died
// without a completion marker: 0 is a soft completed, nonzero failed.
func (e *Engine) handleExit(lr *liveRun, code int) {
	if code == 0 {
		e.finishItem(lr, true, "agent exited cleanly")
	} else {
		e.finishItem(lr, false, fmt.Sprintf("agent exited with code %d", code))
	}
}

// finishItem resolves the outcome of the item currently executing:
// terminal for a single task, advance-and-continue within an epic.
// Caller holds lr.mu.
func (e *Engine) finishItem(lr *liveRun, completed bool, detail string) {
	r := lr.run
	if r.Status.Terminal() {
		return
	}

	if r.Sequence == nil {
		if completed {
			e.finishRun(lr, StatusCompleted, detail)
		} else {
			e.finishRun(lr, StatusFailed, detail)
		}
		return
	}

	// Epic: classify this child and move on. One failed child does not
	// abort the sequence.
	e.stopProcess(lr)
	next, more := r.Sequence.Advance(completed)

	if !more {
		done := len(r.Sequence.Completed)
		failed := len(r.Sequence.Failed)
		reason := fmt.Sprintf("epic finished: %d completed, %d failed", done, failed)
		if done == 0 {
			e.finishRun(lr, StatusFailed, reason)
		} else {
			e.finishRun(lr, StatusCompleted, reason)
		}
		return
	}

	if ev, err := r.setStatus(StatusRunning, fmt.Sprintf("advancing to %s", next), e.now()); err == nil {
		e.publish(r.ID, ev)
	}

	// Let the tracker settle before the next child starts; the agent
	// may still be flushing status updates as it exits.
	expect := lr.gen
	time.AfterFunc(e.cfg.Runner.SettleDelay(), func() {
		e.launchNext(lr, next, expect)
	})
}

// launchNext starts the next epic child if the run is still where the
// advancement left it.
func (e *Engine) launchNext(lr *liveRun, itemID string, expectGen int) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.gen != expectGen || lr.run.Status != StatusRunning {
		return
	}
	if cur, ok := lr.run.Sequence.CurrentItem(); !ok || cur != itemID {
		return
	}
	if err := e.launchItem(lr, itemID); err != nil {
		e.log.Error().Err(err).Str("run", lr.run.ID).Str("bead", itemID).Msg("could not start next epic child")
		e.finishRun(lr, StatusFailed, fmt.Sprintf("agent spawn failed for %s: %v", itemID, err))
	}
}

// finishRun moves a run to a terminal state, tears down its process
// and poller, and schedules eviction. Caller holds lr.mu. Idempotent.
func (e *Engine) finishRun(lr *liveRun, status Status, reason string) {
	r := lr.run
	if r.Status.Terminal() {
		return
	}

	e.stopProcess(lr)

	ev, err := r.setStatus(status, reason, e.now())
	if err != nil {
		// Force it: a terminal outcome must stick even off-path.
		r.Status = status
		r.CompletionReason = reason
		ev = r.Record(EventStatusChange, e.now(), func(rec *Event) {
			rec.Status = status
			rec.Text = reason
		})
	}
	e.publish(r.ID, ev)

	e.mu.Lock()
	delete(e.active, r.ID)
	e.mu.Unlock()
	e.reg.Release(r)

	e.log.Info().Str("run", r.ID).Str("bead", r.IssueID).Str("status", string(status)).Str("reason", reason).Msg("run finished")
}

// stopProcess kills the live process and poller and invalidates any
// in-flight consumers. Caller holds lr.mu.
func (e *Engine) stopProcess(lr *liveRun) {
	lr.gen++
	if lr.poller != nil {
		lr.poller.Stop()
		lr.poller = nil
	}
	if lr.proc != nil {
		lr.proc.Stop()
		lr.proc = nil
	}
}

// SendMessage forwards a human message to a run's agent process. A run
// paused awaiting input resumes running before the message goes out.
func (e *Engine) SendMessage(runID, text string) error {
	e.mu.Lock()
	lr, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		if _, err := e.reg.Get(runID); err != nil {
			return err
		}
		return fmt.Errorf("run %s is no longer active", runID)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.run.Status.Terminal() {
		return fmt.Errorf("run %s is no longer active", runID)
	}
	if lr.proc == nil {
		return fmt.Errorf("run %s has no agent process", runID)
	}

	lr.run.AwaitingInput = false
	if lr.run.Status == StatusPaused {
		ev, err := lr.run.setStatus(StatusRunning, "resumed by user message", e.now())
		if err != nil {
			return err
		}
		e.publish(lr.run.ID, ev)
		if lr.poller == nil && lr.item != nil {
			lr.poller = beads.NewPoller(e.tracker, lr.item.ID, lr.item.Status, e.cfg.Runner.PollInterval(), e.pollHandler(lr, lr.gen, lr.item.ID))
			lr.poller.Start(lr.ctx)
		}
	}

	return lr.proc.Send(ContinuationPrompt(lr.item, text))
}

// Stop cancels a run. User-initiated: the run ends cancelled, not
// failed, and no failure notification goes out. Calling Stop on a run
// that already reached a terminal state is a no-op.
func (e *Engine) Stop(runID string) error {
	e.mu.Lock()
	lr, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		// Terminal runs linger in the registry; stopping one again is
		// not an error.
		_, err := e.reg.Get(runID)
		return err
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.run.Status.Terminal() {
		return nil
	}
	e.finishRun(lr, StatusCancelled, "cancelled by user")
	return nil
}

// Get returns a run by id, live or lingering terminal.
func (e *Engine) Get(runID string) (*TaskRun, error) {
	return e.reg.Get(runID)
}

// Snapshot returns a stable copy of a run's current state. Live runs
// are copied under the run lock; terminal runs no longer mutate.
func (e *Engine) Snapshot(runID string) (TaskRun, error) {
	e.mu.Lock()
	lr, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		lr.mu.Lock()
		defer lr.mu.Unlock()
		return snapshotRun(lr.run), nil
	}
	r, err := e.reg.Get(runID)
	if err != nil {
		return TaskRun{}, err
	}
	return snapshotRun(r), nil
}

func snapshotRun(r *TaskRun) TaskRun {
	snap := *r
	snap.Events = append([]Event(nil), r.Events...)
	if r.Sequence != nil {
		seq := *r.Sequence
		seq.Completed = append([]string(nil), r.Sequence.Completed...)
		seq.Failed = append([]string(nil), r.Sequence.Failed...)
		snap.Sequence = &seq
	}
	return snap
}

// List returns the known runs for a project.
func (e *Engine) List(projectID string) []*TaskRun {
	return e.reg.List(projectID)
}

func (e *Engine) publish(runID string, ev Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(runID, string(ev.Type), ev)
}

func (e *Engine) notify(runID, typ string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(runID, typ, payload)
}
