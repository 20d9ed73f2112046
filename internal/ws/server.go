package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"collabgraphgo/internal/services/collab"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 12 * time.Second
	pingPeriod = 3 * time.Second // must be < pongWait

	maxMessageSize  = 64 << 10 // command payloads are small JSON blobs
	dispatchTimeout = 1900 * time.Millisecond
)

// ConnContext is the per-connection state threaded through handlers.
// GraphID/UserID are set once the join succeeds.
type ConnContext struct {
	ConnID  string
	UserID  string
	GraphID string
	Conn    *clientConn
	Server  *WsServer
}

type WsServer struct {
	router    *Router
	collabSvc *collab.Service
	upgrader  websocket.Upgrader
}

func NewWsServer(collabSvc *collab.Service) *WsServer {
	srv := &WsServer{
		router:    NewRouter(),
		collabSvc: collabSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // dev‑only
		},
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}

	// A connection carries no identity until its join-graph is admitted.
	conn := &clientConn{rawConn: rawConn}
	cc := &ConnContext{
		ConnID: uuid.NewString(),
		Conn:   conn,
		Server: s,
	}

	go s.reader(cc, conn)
	go s.pinger(conn)
}

// ---------------------------------------------------------------------------
//  Event handlers
// ---------------------------------------------------------------------------

func (s *WsServer) registerHandlers() {
	// 🔹 join-graph -----------------------------------------------------------
	Register(
		s.router,
		"join-graph",
		func(ctx context.Context, cc *ConnContext, req JoinGraphRequest) (AckBody, error) {
			snap, err := s.collabSvc.Join(ctx, cc.Conn, cc.ConnID, req.GraphID, req.User)
			if errors.Is(err, collab.ErrGraphNotFound) || errors.Is(err, collab.ErrNotMember) {
				// Structural refusal, not an error event; the
				// connection stays open for another attempt.
				_ = cc.Conn.Send(collab.EvtJoinFailed, JoinFailedBody{Message: err.Error()})
				return AckBody{}, nil
			}
			if err != nil {
				return AckBody{}, err
			}
			cc.UserID = req.User.ID
			cc.GraphID = req.GraphID
			_ = cc.Conn.Send(collab.EvtJoinConfirmed, snap)
			return AckBody{}, nil
		},
	)

	// 🔹 command --------------------------------------------------------------
	Register(
		s.router,
		"command",
		func(ctx context.Context, cc *ConnContext, req CommandRequest) (*collab.Command, error) {
			return s.collabSvc.Command(cc.ConnID, req.Variant, req.Payload)
		},
	)

	// 🔹 graph-update (legacy relay) ------------------------------------------
	Register(
		s.router,
		"graph-update",
		func(ctx context.Context, cc *ConnContext, req GraphUpdateRequest) (AckBody, error) {
			return AckBody{}, s.collabSvc.RelayGraphUpdate(cc.ConnID, req.Payload)
		},
	)

	// 🔹 cursor-move ----------------------------------------------------------
	Register(
		s.router,
		"cursor-move",
		func(ctx context.Context, cc *ConnContext, req CursorMoveRequest) (AckBody, error) {
			return AckBody{}, s.collabSvc.CursorMove(cc.ConnID, req.X, req.Y)
		},
	)

	// 🔹 entity-select --------------------------------------------------------
	Register(
		s.router,
		"entity-select",
		func(ctx context.Context, cc *ConnContext, req EntitySelectRequest) (AckBody, error) {
			entityID := ""
			if req.EntityID != nil {
				entityID = *req.EntityID
			}
			return AckBody{}, s.collabSvc.EntitySelect(cc.ConnID, entityID)
		},
	)

	// 🔹 send-invitation ------------------------------------------------------
	Register(
		s.router,
		"send-invitation",
		func(ctx context.Context, cc *ConnContext, req SendInvitationRequest) (*collab.Invitation, error) {
			return s.collabSvc.SendInvitation(cc.ConnID, req.GraphID, req.TargetUserID)
		},
	)

	// 🔹 accept-invitation ----------------------------------------------------
	Register(
		s.router,
		"accept-invitation",
		func(ctx context.Context, cc *ConnContext, req AcceptInvitationRequest) (AckBody, error) {
			snap, err := s.collabSvc.AcceptInvitation(ctx, cc.ConnID, req.InvitationID, req.GraphID)
			if err != nil {
				return AckBody{}, err
			}
			cc.GraphID = req.GraphID
			_ = cc.Conn.Send(collab.EvtJoinConfirmed, snap)
			return AckBody{}, nil
		},
	)

	// 🔹 reject-invitation ----------------------------------------------------
	Register(
		s.router,
		"reject-invitation",
		func(ctx context.Context, cc *ConnContext, req RejectInvitationRequest) (AckBody, error) {
			return AckBody{}, s.collabSvc.RejectInvitation(req.InvitationID)
		},
	)

	// 🔹 leave-graph ----------------------------------------------------------
	Register(
		s.router,
		"leave-graph",
		func(ctx context.Context, cc *ConnContext, req LeaveGraphRequest) (AckBody, error) {
			s.collabSvc.Leave(cc.ConnID)
			cc.GraphID = ""
			return AckBody{}, nil
		},
	)

	// 🔹 kick-user ------------------------------------------------------------
	Register(
		s.router,
		"kick-user",
		func(ctx context.Context, cc *ConnContext, req KickUserRequest) (AckBody, error) {
			return AckBody{}, s.collabSvc.Kick(ctx, cc.ConnID, req.GraphID, req.TargetUserID)
		},
	)
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) reader(cc *ConnContext, conn *clientConn) {
	defer func() {
		// The transport heartbeat is the only liveness signal; by the
		// time the read loop exits, the disconnect is fact.
		s.collabSvc.Disconnect(cc.ConnID)
		_ = conn.rawConn.Close()
	}()

	conn.rawConn.SetReadLimit(maxMessageSize)
	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := conn.rawConn.ReadJSON(&env); err != nil {
			return // client closed or errored
		}

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		res, err := s.router.dispatch(ctx, cc, env)
		cancel()

		// ---- error -> {"event":"error", "body":{...}} ---------------
		if err != nil {
			_ = conn.writeJSON(map[string]any{
				"event": "error",
				"body":  ErrorBody{Error: err.Error()},
			})
			continue
		}

		// ---- success -> {"event":"<evt>-ack", "body":{...}} --------
		reply := map[string]any{"event": env.Event + "-ack"}
		if res != nil {
			reply["body"] = res
		}
		_ = conn.writeJSON(reply)
	}
}

func (s *WsServer) pinger(conn *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.ping(); err != nil {
			conn.Close("ping timeout")
			return
		}
	}
}
