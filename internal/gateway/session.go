package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/inkwell-labs/inkwell/internal/auth"
	"github.com/inkwell-labs/inkwell/internal/document"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendQueueSize  = 256
)

// session binds one websocket connection to a room. It implements
// document.SessionHandle; the Send methods only enqueue, the writePump owns
// the connection for writes.
type session struct {
	id        string
	principal auth.Principal
	conn      *websocket.Conn
	room      *document.Room
	logger    *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, principal auth.Principal, conn *websocket.Conn, logger *zap.Logger) *session {
	return &session{
		id:        id,
		principal: principal,
		conn:      conn,
		logger:    logger,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (s *session) ID() string {
	return s.id
}

func (s *session) SendUpdate(update []byte) bool {
	return s.enqueue(encodeFrame(FrameUpdate, update))
}

func (s *session) SendPresence(update document.PresenceBroadcast) bool {
	payload, err := json.Marshal(update)
	if err != nil {
		s.logger.Error("presence marshal failed", zap.String("session_id", s.id), zap.Error(err))
		return true
	}
	return s.enqueue(encodeFrame(FramePresence, payload))
}

func (s *session) SendInit(fullState []byte) bool {
	return s.enqueue(encodeFrame(FrameInit, fullState))
}

func (s *session) sendError(code, message string) {
	s.enqueue(encodeErrorFrame(code, message))
}

// enqueue reports false only on queue overflow; a session already closing
// swallows frames instead.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case <-s.done:
		return true
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the session down exactly once. Safe from any goroutine.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, message, deadline)
		_ = s.conn.Close()
	})
}

// readPump relays inbound frames to the room until the connection drops or a
// protocol error occurs. Runs in its own goroutine per session.
func (s *session) readPump(detach func(*session)) {
	defer func() {
		detach(s)
		s.Close("read loop finished")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed",
					zap.String("session_id", s.id), zap.Error(err))
			}
			return
		}

		frameType, payload, err := decodeFrame(data)
		if err != nil {
			s.sendError(errCodeMalformedUpdate, "empty frame")
			continue
		}

		switch frameType {
		case FrameUpdate:
			if err := s.room.ReceiveUpdate(s, payload); err != nil {
				if errors.Is(err, document.ErrMalformedUpdate) {
					// Local to this session; the room and its other sessions
					// are unaffected.
					s.sendError(errCodeMalformedUpdate, err.Error())
					continue
				}
				s.sendError(errCodeRoomClosed, err.Error())
				return
			}
		case FramePresence:
			var incoming presencePayload
			if err := json.Unmarshal(payload, &incoming); err != nil {
				s.sendError(errCodeMalformedUpdate, "presence payload is not valid JSON")
				continue
			}
			s.room.ReceivePresence(s, s.presenceBroadcast(incoming))
		default:
			s.logger.Debug("ignoring unknown frame type",
				zap.String("session_id", s.id), zap.Uint8("frame_type", uint8(frameType)))
		}
	}
}

func (s *session) presenceBroadcast(incoming presencePayload) document.PresenceBroadcast {
	displayName := incoming.DisplayName
	if displayName == "" {
		displayName = s.principal.DisplayName
	}
	return document.PresenceBroadcast{
		SessionID: s.id,
		Subject:   s.principal.Subject,
		PresenceInfo: document.PresenceInfo{
			DisplayName: displayName,
			Color:       document.ColorForSubject(s.principal.Subject),
			Cursor:      incoming.Cursor,
		},
	}
}

// writePump owns all writes to the connection, including keepalive pings.
// Runs in its own goroutine per session.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close("write loop finished")
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
