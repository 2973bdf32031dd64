// Package runner is the worker-side task runtime: it registers with the
// coordinator, heartbeats, accepts assignments, stages transferred files,
// and relays executor stream events back over the transport.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Strob0t/CodeRelay/internal/adapter/ws"
	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/executor"
	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// Config holds the runner's identity and limits.
type Config struct {
	Name              string
	Secret            string
	DefaultCwd        string
	AllowedDirs       []string
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration
}

// Runner implements ws.ClientHandler. It owns at most one running task.
type Runner struct {
	cfg    Config
	exec   *executor.Executor
	client *ws.Client
	log    *slog.Logger

	mu            sync.Mutex
	conn          *ws.Conn
	currentTaskID string
	hbCancel      context.CancelFunc
}

// New creates a Runner driving the given executor.
func New(cfg Config, exec *executor.Executor, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	return &Runner{cfg: cfg, exec: exec, log: log}
}

// SetClient wires the transport client, used to reset reconnect backoff
// once a register ack arrives.
func (r *Runner) SetClient(c *ws.Client) { r.client = c }

// OnConnect re-runs the register handshake from scratch.
func (r *Runner) OnConnect(ctx context.Context, conn *ws.Conn) error {
	hbCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.conn = conn
	if r.hbCancel != nil {
		r.hbCancel()
	}
	r.hbCancel = cancel
	r.mu.Unlock()

	msg, err := protocol.New(protocol.TypeWorkerRegister, protocol.RegisterPayload{
		Name:            r.cfg.Name,
		Secret:          r.cfg.Secret,
		OS:              runtime.GOOS,
		Runtime:         runtime.Version(),
		DefaultCwd:      r.cfg.DefaultCwd,
		AllowedDirs:     r.cfg.AllowedDirs,
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		return err
	}
	msg.WorkerID = r.cfg.Name
	if err := conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("runner: send register: %w", err)
	}

	go r.heartbeatLoop(hbCtx, conn)
	return nil
}

// OnDisconnect stops the heartbeat loop. Work in progress is considered
// lost; the coordinator fails the task on its side.
func (r *Runner) OnDisconnect() {
	r.mu.Lock()
	if r.hbCancel != nil {
		r.hbCancel()
		r.hbCancel = nil
	}
	r.conn = nil
	r.mu.Unlock()
}

// HandleMessage dispatches one inbound envelope.
func (r *Runner) HandleMessage(ctx context.Context, conn *ws.Conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeWorkerRegisterAck:
		var ack protocol.RegisterAckPayload
		if err := protocol.DecodePayload(msg, &ack); err != nil {
			r.log.Warn("bad register ack", "error", err)
			return
		}
		if !ack.Success {
			r.log.Error("registration rejected by coordinator", "message", ack.Message)
			return
		}
		if ack.ProtocolVersion != protocol.Version {
			r.log.Warn("protocol version mismatch",
				"coordinator_version", ack.ProtocolVersion,
				"worker_version", protocol.Version,
			)
		}
		r.client.MarkEstablished()
		r.log.Info("registered with coordinator", "worker_id", r.cfg.Name)

	case protocol.TypeWorkerHeartbeatAck:
		// Liveness confirmed; nothing to update.

	case protocol.TypeTaskAssign:
		var p protocol.AssignPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			r.log.Warn("bad assignment payload", "task_id", msg.TaskID, "error", err)
			return
		}
		go r.runTask(ctx, conn, msg.TaskID, p)

	case protocol.TypeTaskCancel:
		r.mu.Lock()
		current := r.currentTaskID
		r.mu.Unlock()
		if current != msg.TaskID {
			r.log.Debug("cancel for unknown task dropped", "task_id", msg.TaskID)
			return
		}
		r.log.Info("cancelling task", "task_id", msg.TaskID)
		r.exec.Kill(msg.TaskID)

	case protocol.TypeFileTransfer:
		r.handleFileTransfer(ctx, conn, msg)

	case protocol.TypeTaskAnswer, protocol.TypeTaskPermissionResponse:
		// The assistant runs one-shot with stdin closed; replies reach it
		// through a follow-up task with session continuation instead.
		r.log.Debug("interactive reply ignored", "type", msg.Type, "task_id", msg.TaskID)

	default:
		r.log.Warn("unhandled message", "type", msg.Type)
	}
}

func (r *Runner) runTask(ctx context.Context, conn *ws.Conn, taskID string, p protocol.AssignPayload) {
	r.mu.Lock()
	if r.currentTaskID != "" {
		r.mu.Unlock()
		r.sendError(ctx, conn, taskID, protocol.CodeProtocol,
			fmt.Sprintf("worker is already running %s", r.currentTaskID), "", task.TokenUsage{})
		return
	}
	r.currentTaskID = taskID
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.currentTaskID = ""
		r.mu.Unlock()
	}()

	cwd := p.Cwd
	if cwd == "" {
		cwd = r.cfg.DefaultCwd
	}
	if cwd != "" && !worker.DirAllowed(r.cfg.AllowedDirs, cwd) {
		r.sendError(ctx, conn, taskID, protocol.CodeDirectoryNotAllowed,
			fmt.Sprintf("directory %s is outside the allowed list", cwd), "", task.TokenUsage{})
		return
	}

	r.log.Info("task accepted", "task_id", taskID, "cwd", cwd)

	res, err := r.exec.Run(executor.Request{
		TaskID:      taskID,
		Prompt:      p.Prompt,
		Cwd:         cwd,
		Permission:  task.PermissionMode(p.Permission),
		SessionID:   p.SessionID,
		Attachments: p.Attachments,
		Timeout:     r.cfg.TaskTimeout,
	}, func(ev protocol.StreamEvent) {
		r.relayStream(ctx, conn, taskID, ev)
	})

	if err != nil {
		code := protocol.CodeSpawnError
		message := err.Error()
		var runErr *executor.RunError
		if errors.As(err, &runErr) {
			code = runErr.Code
			message = runErr.Message
		}
		partial := ""
		tokens := task.TokenUsage{}
		if res != nil {
			partial = res.Text
			tokens = res.Tokens
		}
		r.sendError(ctx, conn, taskID, code, message, partial, tokens)
		return
	}

	complete, err := protocol.New(protocol.TypeTaskComplete, protocol.CompletePayload{
		Result:    res.Text,
		SessionID: res.SessionID,
		Tokens:    res.Tokens,
	})
	if err != nil {
		r.log.Error("encode complete failed", "task_id", taskID, "error", err)
		return
	}
	complete.TaskID = taskID
	complete.WorkerID = r.cfg.Name
	if err := conn.Send(ctx, complete); err != nil {
		r.log.Warn("send complete failed", "task_id", taskID, "error", err)
	}
}

func (r *Runner) relayStream(ctx context.Context, conn *ws.Conn, taskID string, ev protocol.StreamEvent) {
	r.mu.Lock()
	current := r.currentTaskID
	r.mu.Unlock()
	if current != taskID {
		return
	}

	msg, err := protocol.New(protocol.TypeTaskStream, ev)
	if err != nil {
		r.log.Warn("encode stream event failed", "task_id", taskID, "error", err)
		return
	}
	msg.TaskID = taskID
	msg.WorkerID = r.cfg.Name
	if err := conn.Send(ctx, msg); err != nil {
		r.log.Debug("relay stream failed", "task_id", taskID, "error", err)
	}
}

func (r *Runner) handleFileTransfer(ctx context.Context, conn *ws.Conn, msg protocol.Message) {
	var p protocol.FileTransferPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		r.log.Warn("bad file transfer payload", "task_id", msg.TaskID, "error", err)
		return
	}

	ack := protocol.FileTransferAckPayload{FileName: p.FileName}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	switch {
	case err != nil:
		ack.Message = "invalid base64 data"
	case int64(len(data)) > task.MaxAttachmentSize:
		ack.Message = fmt.Sprintf("file exceeds %d bytes", int64(task.MaxAttachmentSize))
	default:
		path, werr := r.exec.WriteAttachment(msg.TaskID, p.FileName, data)
		if werr != nil {
			ack.Message = werr.Error()
		} else {
			ack.Success = true
			ack.LocalPath = path
		}
	}

	reply, err := protocol.New(protocol.TypeFileTransferAck, ack)
	if err != nil {
		r.log.Error("encode transfer ack failed", "error", err)
		return
	}
	reply.TaskID = msg.TaskID
	reply.WorkerID = r.cfg.Name
	if err := conn.Send(ctx, reply); err != nil {
		r.log.Warn("send transfer ack failed", "task_id", msg.TaskID, "error", err)
	}
}

func (r *Runner) sendError(ctx context.Context, conn *ws.Conn, taskID, code, message, partial string, tokens task.TokenUsage) {
	msg, err := protocol.New(protocol.TypeTaskError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Result:  partial,
		Tokens:  tokens,
	})
	if err != nil {
		r.log.Error("encode error payload failed", "task_id", taskID, "error", err)
		return
	}
	msg.TaskID = taskID
	msg.WorkerID = r.cfg.Name
	r.log.Warn("task failed", "task_id", taskID, "code", code, "message", message)
	if err := conn.Send(ctx, msg); err != nil {
		r.log.Warn("send task error failed", "task_id", taskID, "error", err)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, conn *ws.Conn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		current := r.currentTaskID
		r.mu.Unlock()

		status := string(worker.StatusOnline)
		if current != "" {
			status = string(worker.StatusBusy)
		}

		hb, err := protocol.New(protocol.TypeWorkerHeartbeat, protocol.HeartbeatPayload{
			Status: status,
			TaskID: current,
		})
		if err != nil {
			continue
		}
		hb.WorkerID = r.cfg.Name
		if err := conn.Send(ctx, hb); err != nil {
			r.log.Debug("heartbeat send failed", "error", err)
			return
		}
	}
}
