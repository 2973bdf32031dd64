package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/CodeRelay/internal/protocol"
)

// Handler receives decoded envelopes and close notifications from the
// server's per-connection read loops.
type Handler interface {
	// HandleMessage processes one inbound envelope. Malformed frames never
	// reach it; they are logged and dropped by the read loop.
	HandleMessage(ctx context.Context, conn *Conn, msg protocol.Message)

	// HandleClose is invoked once when a connection's read loop ends.
	HandleClose(conn *Conn)
}

// Server accepts worker connections and pumps their frames to a Handler.
// A connection that has not sent a worker:register within AuthTimeout of
// accept is closed.
type Server struct {
	handler     Handler
	authTimeout time.Duration
	log         *slog.Logger
}

// NewServer creates a transport server delivering frames to handler.
func NewServer(handler Handler, authTimeout time.Duration, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	return &Server{handler: handler, authTimeout: authTimeout, log: log}
}

// HandleWS upgrades the request and runs the connection's read loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // workers authenticate via the register secret
	})
	if err != nil {
		s.log.Error("websocket accept failed", "error", err)
		return
	}

	conn := newConn(sock)
	s.log.Info("worker transport connected", "conn_id", conn.ID(), "remote", r.RemoteAddr)

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer func() {
		s.handler.HandleClose(conn)
		_ = conn.Close("")
	}()

	ctx := context.Background()

	// The first frame must be an authenticated register, within the
	// handshake deadline.
	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	first, err := conn.read(authCtx)
	cancel()
	if err != nil {
		s.log.Warn("closing unauthenticated connection", "conn_id", conn.ID(), "error", err)
		return
	}
	if first.Type != protocol.TypeWorkerRegister {
		s.log.Warn("first frame is not a register", "conn_id", conn.ID(), "type", first.Type)
		return
	}
	s.handler.HandleMessage(ctx, conn, first)

	for {
		msg, err := conn.read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				// Protocol violation: log the offender and drop the frame.
				s.log.Warn("dropping malformed envelope", "conn_id", conn.ID(), "error", err)
				continue
			}
			s.log.Info("worker transport closed", "conn_id", conn.ID(), "error", err)
			return
		}
		s.handler.HandleMessage(ctx, conn, msg)
	}
}
