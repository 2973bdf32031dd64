// Package executor spawns, supervises, and terminates the assistant CLI as
// a child process, relaying its stdout through the stream parser.
package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/parser"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

const (
	// stderrCap bounds the accumulated stderr buffer.
	stderrCap = 64 * 1024

	readChunkSize = 32 * 1024
)

// RunError is a classified execution failure carrying a protocol error code.
type RunError struct {
	Code    string
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Request describes one assistant CLI invocation.
type Request struct {
	TaskID      string
	Prompt      string
	Cwd         string
	Permission  task.PermissionMode
	SessionID   string
	Attachments []task.Attachment
	Timeout     time.Duration
}

// Result holds the outcome of a finished invocation. Text is the last-seen
// result record, falling back to accumulated assistant text when the CLI
// never emitted one.
type Result struct {
	Text      string
	SessionID string
	Tokens    task.TokenUsage
	ExitCode  int
}

// Executor runs assistant CLI invocations, at most one per task id.
type Executor struct {
	binary    string
	killGrace time.Duration
	log       *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// New creates an Executor for the given assistant binary.
func New(binary string, killGrace time.Duration, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		binary:    binary,
		killGrace: killGrace,
		log:       log,
		procs:     make(map[string]*exec.Cmd),
	}
}

// StageDir returns the dedicated attachment directory for a task under the
// OS temp root, creating it if needed.
func (e *Executor) StageDir(taskID string) (string, error) {
	dir := filepath.Join(os.TempDir(), "coderelay-"+taskID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("executor: create stage dir: %w", err)
	}
	return dir, nil
}

// Run spawns the assistant CLI for req and streams parsed events to emit.
// It blocks until the child exits and all stdio is drained. The task's stage
// directory is removed regardless of outcome.
func (e *Executor) Run(req Request, emit func(protocol.StreamEvent)) (*Result, error) {
	defer func() {
		_ = os.RemoveAll(filepath.Join(os.TempDir(), "coderelay-"+req.TaskID))
	}()

	if req.Cwd != "" {
		info, err := os.Stat(req.Cwd)
		if err != nil || !info.IsDir() {
			return nil, &RunError{
				Code:    protocol.CodeSpawnError,
				Message: fmt.Sprintf("working directory does not exist: %s", req.Cwd),
			}
		}
	}

	cmd := exec.Command(e.binary, buildArgs(req)...)
	cmd.Dir = req.Cwd
	cmd.Env = stripClaudeEnv(os.Environ())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &RunError{Code: protocol.CodeSpawnError, Message: err.Error()}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RunError{Code: protocol.CodeSpawnError, Message: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &RunError{Code: protocol.CodeSpawnError, Message: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return nil, &RunError{Code: protocol.CodeSpawnError, Message: err.Error()}
	}

	// One-shot contract: close stdin immediately so the CLI never waits for
	// interactive input. Mid-run questions are answered via a follow-up task
	// with session continuation.
	_ = stdin.Close()

	e.mu.Lock()
	e.procs[req.TaskID] = cmd
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.procs, req.TaskID)
		e.mu.Unlock()
	}()

	e.log.Info("assistant started",
		"task_id", req.TaskID,
		"pid", cmd.Process.Pid,
		"cwd", req.Cwd,
	)

	var timedOut atomic.Bool
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		e.Kill(req.TaskID)
	})
	defer timer.Stop()

	res := &Result{}
	var assistantText strings.Builder
	sawResult := false

	p := parser.New(e.log)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				for _, ev := range p.Parse(buf[:n]) {
					switch ev.Type {
					case protocol.EventAssistantMessage:
						assistantText.WriteString(ev.Text)
					case protocol.EventResult:
						sawResult = true
						res.Text = ev.Text
						res.SessionID = ev.SessionID
					case protocol.EventTokenUsage:
						if ev.Tokens != nil {
							res.Tokens = *ev.Tokens
						}
					}
					emit(ev)
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	var errBuf strings.Builder
	go func() {
		defer wg.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 && errBuf.Len() < stderrCap {
				room := stderrCap - errBuf.Len()
				if n < room {
					room = n
				}
				errBuf.Write(buf[:room])
			}
			if rerr != nil {
				return
			}
		}
	}()

	// Wait for stdio to drain before Wait so trailing stderr is not lost.
	wg.Wait()
	waitErr := cmd.Wait()

	if !sawResult {
		res.Text = assistantText.String()
	}

	if timedOut.Load() {
		return res, &RunError{
			Code:    protocol.CodeTimeout,
			Message: fmt.Sprintf("task exceeded %s", timeout),
		}
	}

	if waitErr != nil {
		return res, classifyExit(waitErr, errBuf.String())
	}

	res.ExitCode = 0
	return res, nil
}

// Kill terminates the child for taskID: SIGTERM first, SIGKILL after the
// grace period if it has not exited.
func (e *Executor) Kill(taskID string) {
	e.mu.Lock()
	cmd := e.procs[taskID]
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	proc := cmd.Process
	e.log.Info("terminating assistant", "task_id", taskID, "pid", proc.Pid)
	_ = proc.Signal(syscall.SIGTERM)

	grace := e.killGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	time.AfterFunc(grace, func() {
		e.mu.Lock()
		still := e.procs[taskID] == cmd
		e.mu.Unlock()
		if still {
			_ = proc.Kill()
		}
	})
}

// buildArgs constructs the assistant CLI argument vector for a request.
func buildArgs(req Request) []string {
	args := []string{
		"-p", promptWithAttachments(req.Prompt, req.Attachments),
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Permission == task.PermissionAuto {
		args = append(args, "--dangerouslySkipPermissions")
	}
	if req.SessionID != "" {
		// The CLI accepts both --resume and a prompt; it decides how the
		// prompt folds into the resumed conversation.
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

// promptWithAttachments appends staged attachment references to the prompt.
func promptWithAttachments(prompt string, atts []task.Attachment) string {
	var lines []string
	for _, a := range atts {
		if a.LocalPath != "" {
			lines = append(lines, fmt.Sprintf("[Attached file: %s]", a.LocalPath))
		}
	}
	if len(lines) == 0 {
		return prompt
	}
	return prompt + "\n\n" + strings.Join(lines, "\n")
}

// stripClaudeEnv drops CLAUDE-prefixed variables to avoid leaking parent
// process state into the child.
func stripClaudeEnv(env []string) []string {
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDE") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// classifyExit maps a Wait error onto a protocol error code, preferring the
// captured stderr as the user-visible message.
func classifyExit(waitErr error, stderrText string) *RunError {
	msg := strings.TrimSpace(stderrText)

	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if msg == "" {
			msg = waitErr.Error()
		}
		if ws, isWait := ee.Sys().(syscall.WaitStatus); isWait && ws.Signaled() {
			return &RunError{Code: protocol.ExitSignal(signalName(ws.Signal())), Message: msg}
		}
		return &RunError{Code: protocol.ExitCode(ee.ExitCode()), Message: msg}
	}

	if msg == "" {
		msg = waitErr.Error()
	}
	return &RunError{Code: protocol.CodeSpawnError, Message: msg}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGINT:
		return "SIGINT"
	default:
		return strings.ToUpper(strings.ReplaceAll(sig.String(), " ", "_"))
	}
}

// WriteAttachment stages one transferred file into the task's directory and
// returns the absolute local path.
func (e *Executor) WriteAttachment(taskID, fileName string, data []byte) (string, error) {
	dir, err := e.StageDir(taskID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(fileName))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("executor: write attachment: %w", err)
	}
	return path, nil
}
