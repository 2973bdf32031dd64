package main

import (
	"context"
	"log/slog"

	"github.com/Strob0t/CodeRelay/internal/adapter/ws"
	"github.com/Strob0t/CodeRelay/internal/manager"
	"github.com/Strob0t/CodeRelay/internal/protocol"
	"github.com/Strob0t/CodeRelay/internal/registry"
)

// controlHandler routes inbound control-plane envelopes to the registry and
// the task manager. It implements ws.Handler.
type controlHandler struct {
	registry *registry.Registry
	manager  *manager.Manager
	log      *slog.Logger
}

func (h *controlHandler) HandleMessage(ctx context.Context, conn *ws.Conn, msg protocol.Message) {
	if msg.Type == protocol.TypeWorkerRegister {
		var p protocol.RegisterPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad register payload", "conn_id", conn.ID(), "error", err)
			_ = conn.Close("bad register payload")
			return
		}
		if err := h.registry.Register(ctx, conn, p); err != nil {
			return
		}
		// A fresh worker may unblock the queue head.
		h.manager.DispatchNext()
		return
	}

	// Every other message must come from a registered transport; the
	// connection, not the envelope, is the source of identity.
	workerID, ok := h.registry.NameForConn(conn)
	if !ok {
		h.log.Warn("dropping message from unregistered connection",
			"conn_id", conn.ID(), "type", msg.Type)
		return
	}

	switch msg.Type {
	case protocol.TypeWorkerHeartbeat:
		var p protocol.HeartbeatPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad heartbeat payload", "worker_id", workerID, "error", err)
			return
		}
		_ = h.registry.Heartbeat(ctx, workerID, p)

	case protocol.TypeTaskStream:
		var ev protocol.StreamEvent
		if err := protocol.DecodePayload(msg, &ev); err != nil {
			h.log.Warn("bad stream payload", "task_id", msg.TaskID, "error", err)
			return
		}
		h.manager.HandleStream(workerID, msg.TaskID, ev)

	case protocol.TypeTaskComplete:
		var p protocol.CompletePayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad complete payload", "task_id", msg.TaskID, "error", err)
			return
		}
		h.manager.HandleComplete(workerID, msg.TaskID, p)

	case protocol.TypeTaskError:
		var p protocol.ErrorPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad error payload", "task_id", msg.TaskID, "error", err)
			return
		}
		h.manager.HandleError(workerID, msg.TaskID, p)

	case protocol.TypeTaskQuestion:
		var p protocol.QuestionPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad question payload", "task_id", msg.TaskID, "error", err)
			return
		}
		h.manager.HandleQuestion(msg.TaskID, p)

	case protocol.TypeTaskPermission:
		var p protocol.PermissionPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad permission payload", "task_id", msg.TaskID, "error", err)
			return
		}
		h.manager.HandlePermission(msg.TaskID, p)

	case protocol.TypeFileTransferAck:
		var p protocol.FileTransferAckPayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			h.log.Warn("bad transfer ack payload", "task_id", msg.TaskID, "error", err)
			return
		}
		h.manager.HandleFileTransferAck(msg.TaskID, p)

	case protocol.TypeTeamUpdate:
		// Team-state observations are consumed by external subscribers.
		h.log.Info("team update", "worker_id", workerID, "task_id", msg.TaskID)

	default:
		h.log.Warn("unhandled message type", "worker_id", workerID, "type", msg.Type)
	}
}

func (h *controlHandler) HandleClose(conn *ws.Conn) {
	h.registry.Disconnect(conn)
}
