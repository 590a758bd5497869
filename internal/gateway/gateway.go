package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/inkwell-labs/inkwell/internal/auth"
	"github.com/inkwell-labs/inkwell/internal/document"
	"go.uber.org/zap"
)

const (
	// RoomQueryParam names the query parameter carrying the room identifier
	// in the websocket handshake.
	RoomQueryParam = "room"

	codeUnauthenticated       = "unauthenticated"
	codeMissingRoomIdentifier = "missing_room_identifier"
)

// GatewayConfig describes the gateway dependencies.
type GatewayConfig struct {
	Rooms       *document.Registry
	Logger      *zap.Logger
	CheckOrigin func(*http.Request) bool
}

// Gateway accepts websocket connections, binds each to a room, and relays
// update and presence frames in both directions. Credential verification is
// the identity provider's job; the gateway only requires that a principal is
// attached and a room identifier is supplied.
type Gateway struct {
	rooms    *document.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewGateway constructs a connection gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		rooms:  cfg.Rooms,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleConnection performs the handshake and, on success, runs the session
// pumps. Handshake failures reject the connection before any room side
// effect.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	if principal.Subject == "" {
		writeHandshakeError(w, http.StatusUnauthorized, codeUnauthenticated)
		return
	}
	roomID := r.URL.Query().Get(RoomQueryParam)
	if roomID == "" {
		writeHandshakeError(w, http.StatusBadRequest, codeMissingRoomIdentifier)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID, err := uuid.NewV7()
	if err != nil {
		g.logger.Error("session id generation failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	sess := newSession(sessionID.String(), principal, conn, g.logger)

	// The request context dies with the handler; room resolution must not.
	// Join enqueues the init frame while registering the session, so updates
	// broadcast from here on queue behind it.
	if !g.joinRoom(context.Background(), roomID, sess) {
		sess.Close("room resolution failed")
		return
	}

	for _, entry := range sess.room.Presence() {
		sess.SendPresence(entry)
	}

	g.logger.Info("session joined",
		zap.String("room_id", roomID),
		zap.String("session_id", sess.id),
		zap.String("subject", principal.Subject))

	go sess.writePump()
	go sess.readPump(g.detach)
}

// joinRoom resolves the room and attaches the session, retrying when it races
// a concurrent eviction of the same identifier.
func (g *Gateway) joinRoom(ctx context.Context, roomID string, sess *session) bool {
	for {
		room, err := g.rooms.GetOrCreate(ctx, roomID)
		if err != nil {
			g.logger.Error("room resolution failed",
				zap.String("room_id", roomID), zap.Error(err))
			return false
		}
		if room.Join(sess) {
			sess.room = room
			return true
		}
	}
}

func (g *Gateway) detach(sess *session) {
	if sess.room == nil {
		return
	}
	remaining := sess.room.Leave(sess)
	g.logger.Info("session left",
		zap.String("room_id", sess.room.ID()),
		zap.String("session_id", sess.id),
		zap.Int("remaining", remaining))
	if remaining == 0 {
		g.rooms.ScheduleEviction(sess.room.ID())
	}
}

func writeHandshakeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorPayload{Code: code})
}
