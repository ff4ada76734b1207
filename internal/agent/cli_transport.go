package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beadsconsole/beadsconsole/internal/logging"
)

// CLITransport spawns external agent CLI processes (claude, gemini,
// codex, ...) and adapts their output streams to the Event taxonomy.
type CLITransport struct{}

// NewCLITransport creates the process-spawning transport.
func NewCLITransport() *CLITransport {
	return &CLITransport{}
}

var _ Transport = (*CLITransport)(nil)

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// Start spawns the agent process. For claude, the prompt is delivered
// over stdin as a stream-json user message so follow-ups can be sent
// on the same connection; other CLIs get the prompt as the final
// positional argument, the way most of them accept it.
func (t *CLITransport) Start(ctx context.Context, req Request) (Process, error) {
	streaming := req.Agent.Cmd == "claude"

	args := req.Agent.EffectiveArgs()
	if !streaming {
		args = append(args, req.Prompt)
	}

	cmd := exec.CommandContext(ctx, req.Agent.Cmd, args...)
	cmd.Dir = req.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", req.Agent.Cmd, err)
	}

	p := &cliProcess{
		cmd:       cmd,
		stdin:     stdin,
		streaming: streaming,
		events:    make(chan Event, 64),
		log:       logging.Component("agent").With().Str("run", req.RunID).Logger(),
	}

	p.readers.Add(2)
	go p.readStdout(stdout)
	go p.readStderr(stderr)
	go p.finish()

	if streaming {
		if err := p.Send(req.Prompt); err != nil {
			p.Stop()
			return nil, fmt.Errorf("send prompt: %w", err)
		}
	} else {
		stdin.Close()
	}

	return p, nil
}

// cliProcess is the live handle for one spawned agent CLI.
type cliProcess struct {
	cmd       *exec.Cmd
	streaming bool
	events    chan Event
	log       zerolog.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	readers  sync.WaitGroup
	stopOnce sync.Once
}

func (p *cliProcess) Events() <-chan Event { return p.events }

// streamInput is the stream-json stdin record shape.
type streamInput struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Send forwards a user message to the running process.
func (p *cliProcess) Send(text string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	if !p.streaming {
		return fmt.Errorf("agent %s does not accept continuation input", p.cmd.Path)
	}

	var in streamInput
	in.Type = "user"
	in.Message.Role = "user"
	in.Message.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Stop kills the process. Idempotent; exit fallout is handled by the
// finish goroutine like any other exit.
func (p *cliProcess) Stop() {
	p.stopOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

func (p *cliProcess) readStdout(r io.Reader) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		for _, ev := range ParseLine(scanner.Text()) {
			p.forward(ev)
		}
	}
}

func (p *cliProcess) readStderr(r io.Reader) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if IsAuthFailure(line) {
			p.forward(Event{Type: EventAuthExpired, Text: line})
			continue
		}
		p.forward(Event{Type: EventError, Text: line})
	}
}

// finish waits for both readers and the process, then emits the
// terminal done event and closes the stream.
func (p *cliProcess) finish() {
	p.readers.Wait()

	exitCode := 0
	if err := p.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.forward(Event{Type: EventDone, ExitCode: exitCode})
	close(p.events)
}

// forward delivers an event without ever blocking process teardown: a
// consumer that stopped draining loses events after a short grace
// rather than wedging the readers.
func (p *cliProcess) forward(ev Event) {
	select {
	case p.events <- ev:
	case <-time.After(100 * time.Millisecond):
		p.log.Warn().Str("type", string(ev.Type)).Msg("slow consumer, dropping agent event")
	}
}
