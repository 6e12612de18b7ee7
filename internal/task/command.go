package task

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/events"
)

const (
	defaultCancelGrace = 5 * time.Second
	outputTailLines    = 20
	maxLineBytes       = 1 << 20
)

// CommandPayload is the payload of a task run by CommandExecutor.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
}

// CommandResult is stored as the task result, also on failure.
type CommandResult struct {
	ExitCode   int             `json:"exit_code"`
	OutputTail []string        `json:"output_tail,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Reported   json.RawMessage `json:"reported,omitempty"`
}

// CommandExecutor runs an external tool in its own process group.
//
// Each stdout line becomes an info event and each stderr line a warning.
// Three stdout forms are interpreted:
//
//	PROGRESS <percent> [description]
//	PROMPT <question>
//	RESULT <json>
//
// PROGRESS updates task progress and PROMPT publishes a decision prompt.
// RESULT checkpoints a partial result; the last one is kept in the final
// CommandResult even when the command later fails.
// On cancellation the group receives SIGTERM and, if still alive after the
// grace period, SIGKILL.
type CommandExecutor struct {
	grace  time.Duration
	logger *slog.Logger
}

// NewCommandExecutor creates a CommandExecutor.
func NewCommandExecutor(grace time.Duration, logger *slog.Logger) *CommandExecutor {
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	return &CommandExecutor{grace: grace, logger: logger.With("component", "command_executor")}
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, run *Run) (json.RawMessage, error) {
	var p CommandPayload
	if len(run.Task.Payload) == 0 {
		return nil, domain.NewValidationError("payload", "command payload is required")
	}
	if err := json.Unmarshal(run.Task.Payload, &p); err != nil {
		return nil, domain.NewValidationError("payload", fmt.Sprintf("invalid command payload: %v", err))
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, domain.NewValidationError("payload.command", "must not be empty")
	}

	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = p.Workdir
	cmd.Env = commandEnv(p.Env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	began := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, domain.Permanent(fmt.Errorf("failed to start %s: %w", p.Command, err))
		}
		return nil, &domain.TransientError{Op: "start command", Err: err}
	}

	log := e.logger.With("task_id", run.Task.ID, "command", p.Command, "pid", cmd.Process.Pid)
	log.Debug("command started")

	exited := make(chan struct{})
	go e.watch(ctx, cmd, exited, log)

	tail := &outputTail{max: outputTailLines}
	var reported json.RawMessage
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, func(line string) {
			tail.add(line)
			e.handleStdout(run, line, &reported)
		})
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, func(line string) {
			tail.add(line)
			run.Emit(events.Warning("%s", line).WithPayload(map[string]any{"stream": "stderr"}))
		})
	}()
	readers.Wait()
	waitErr := cmd.Wait()
	close(exited)

	res := CommandResult{
		ExitCode:   cmd.ProcessState.ExitCode(),
		OutputTail: tail.lines(),
		DurationMS: time.Since(began).Milliseconds(),
		Reported:   reported,
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command result: %w", err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Info("command stopped by cancellation", "exit_code", res.ExitCode)
		return raw, ctxErr
	}
	if waitErr == nil {
		return raw, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return raw, &domain.TransientError{Op: "wait for command", Err: waitErr}
	}
	cause := fmt.Errorf("%s exited with status %d%s", p.Command, res.ExitCode, lastLine(res.OutputTail))
	switch res.ExitCode {
	case 126, 127:
		// not executable, or not found by a wrapper shell
		return raw, domain.Permanent(cause)
	default:
		return raw, &domain.TransientError{Op: "run command", Err: cause}
	}
}

// watch escalates from SIGTERM to SIGKILL when ctx ends before the process.
func (e *CommandExecutor) watch(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}, log *slog.Logger) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	log.Info("terminating command process group", "grace", e.grace)
	terminateGroup(cmd)

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		log.Warn("command ignored SIGTERM, killing process group")
		killGroup(cmd)
	}
}

func (e *CommandExecutor) handleStdout(run *Run, line string, reported *json.RawMessage) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "PROGRESS "):
		fields := strings.SplitN(strings.TrimPrefix(trimmed, "PROGRESS "), " ", 2)
		pct, err := strconv.Atoi(strings.TrimSuffix(fields[0], "%"))
		if err != nil {
			run.Emit(events.Info("%s", line))
			return
		}
		desc := ""
		if len(fields) == 2 {
			desc = strings.TrimSpace(fields[1])
		}
		run.Progress(pct, desc)
	case strings.HasPrefix(trimmed, "RESULT "):
		body := []byte(strings.TrimSpace(strings.TrimPrefix(trimmed, "RESULT ")))
		if !json.Valid(body) {
			run.Emit(events.Warning("ignoring malformed result line"))
			return
		}
		*reported = json.RawMessage(body)
		run.Partial(*reported)
	case strings.HasPrefix(trimmed, "PROMPT "):
		run.Emit(events.New(events.KindDecisionPrompt, "%s", strings.TrimSpace(strings.TrimPrefix(trimmed, "PROMPT "))))
	default:
		run.Emit(events.Info("%s", line).WithPayload(map[string]any{"stream": "stdout"}))
	}
}

func commandEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(sc.Text())
	}
	// drain so the process never blocks on a full pipe after a scan error
	_, _ = io.Copy(io.Discard, r)
}

type outputTail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *outputTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return ": " + lines[len(lines)-1]
}
