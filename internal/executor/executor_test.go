package executor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

func TestBuildArgs(t *testing.T) {
	base := Request{Prompt: "fix the bug"}
	args := buildArgs(base)
	want := []string{"-p", "fix the bug", "--output-format", "stream-json", "--verbose"}
	if len(args) != len(want) {
		t.Fatalf("args %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args %v, want %v", args, want)
		}
	}
}

func TestBuildArgsAutoPermission(t *testing.T) {
	args := buildArgs(Request{Prompt: "x", Permission: task.PermissionAuto})
	if !hasArg(args, "--dangerouslySkipPermissions") {
		t.Fatalf("auto mode should skip permissions: %v", args)
	}

	args = buildArgs(Request{Prompt: "x", Permission: task.PermissionAcceptEdits})
	if hasArg(args, "--dangerouslySkipPermissions") {
		t.Fatalf("only auto mode skips permissions: %v", args)
	}
}

func TestBuildArgsResume(t *testing.T) {
	args := buildArgs(Request{Prompt: "x", SessionID: "s42"})
	for i, a := range args {
		if a == "--resume" {
			if args[i+1] != "s42" {
				t.Fatalf("expected session after --resume, got %v", args)
			}
			return
		}
	}
	t.Fatalf("missing --resume: %v", args)
}

func TestPromptWithAttachments(t *testing.T) {
	got := promptWithAttachments("do it", []task.Attachment{
		{FileName: "a.txt", LocalPath: "/tmp/t/a.txt"},
		{FileName: "skipped.txt"}, // never staged
		{FileName: "b.txt", LocalPath: "/tmp/t/b.txt"},
	})
	want := "do it\n\n[Attached file: /tmp/t/a.txt]\n[Attached file: /tmp/t/b.txt]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := promptWithAttachments("plain", nil); got != "plain" {
		t.Fatalf("no attachments should leave prompt untouched, got %q", got)
	}
}

func TestStripClaudeEnv(t *testing.T) {
	in := []string{"PATH=/bin", "CLAUDE_API_KEY=x", "CLAUDECODE=1", "HOME=/root"}
	out := stripClaudeEnv(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 vars, got %v", out)
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "CLAUDE") {
			t.Fatalf("CLAUDE var leaked: %v", out)
		}
	}
}

func TestRunRejectsMissingCwd(t *testing.T) {
	e := New("/bin/true", time.Second, nil)
	_, err := e.Run(Request{TaskID: "task-1", Prompt: "x", Cwd: "/does/not/exist"}, func(protocol.StreamEvent) {})

	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Code != protocol.CodeSpawnError {
		t.Fatalf("expected SPAWN_ERROR, got %v", err)
	}
}

// writeScript creates an executable shell script for spawn tests.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-assistant")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	bin := writeScript(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Hi"}]}}'
echo '{"type":"result","result":"Hi","session_id":"s1","usage":{"input_tokens":10,"output_tokens":2}}'
exit 0
`)
	e := New(bin, time.Second, nil)

	var mu sync.Mutex
	var events []protocol.StreamEvent
	res, err := e.Run(Request{TaskID: "task-ok", Prompt: "hello", Timeout: 5 * time.Second}, func(ev protocol.StreamEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "Hi" || res.SessionID != "s1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Tokens.Input != 10 || res.Tokens.Output != 2 {
		t.Fatalf("unexpected tokens: %+v", res.Tokens)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 stream events, got %d", len(events))
	}
}

func TestRunNonZeroExit(t *testing.T) {
	bin := writeScript(t, `echo "boom" 1>&2
exit 3
`)
	e := New(bin, time.Second, nil)

	_, err := e.Run(Request{TaskID: "task-fail", Prompt: "x", Timeout: 5 * time.Second}, func(protocol.StreamEvent) {})

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.Code != "EXIT_3" {
		t.Fatalf("expected EXIT_3, got %s", runErr.Code)
	}
	if !strings.Contains(runErr.Message, "boom") {
		t.Fatalf("stderr should surface in the message, got %q", runErr.Message)
	}
}

func TestRunTimeout(t *testing.T) {
	bin := writeScript(t, `exec sleep 30
`)
	e := New(bin, 100*time.Millisecond, nil)

	start := time.Now()
	_, err := e.Run(Request{TaskID: "task-slow", Prompt: "x", Timeout: 100 * time.Millisecond}, func(protocol.StreamEvent) {})
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not kill the child promptly")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Code != protocol.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestRunPartialResultOnFailure(t *testing.T) {
	bin := writeScript(t, `echo '{"type":"assistant","content":[{"type":"text","text":"partial work"}]}'
exit 1
`)
	e := New(bin, time.Second, nil)

	res, err := e.Run(Request{TaskID: "task-partial", Prompt: "x", Timeout: 5 * time.Second}, func(protocol.StreamEvent) {})
	if err == nil {
		t.Fatal("expected failure")
	}
	if res == nil || res.Text != "partial work" {
		t.Fatalf("partial assistant text should survive failure, got %+v", res)
	}
}

func TestStageDirAndWriteAttachment(t *testing.T) {
	e := New("/bin/true", time.Second, nil)

	path, err := e.WriteAttachment("task-7", "../evil.txt", []byte("data"))
	if err != nil {
		t.Fatalf("write attachment: %v", err)
	}
	if filepath.Base(path) != "evil.txt" {
		t.Fatalf("path traversal should be stripped, got %s", path)
	}
	if !strings.Contains(path, "coderelay-task-7") {
		t.Fatalf("attachment should land in the task stage dir, got %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "data" {
		t.Fatalf("read back: %s %v", data, err)
	}

	t.Cleanup(func() { _ = os.RemoveAll(filepath.Dir(path)) })
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
