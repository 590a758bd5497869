package gateway

import (
	"encoding/json"
	"fmt"
)

// FrameType is the first byte of every websocket message.
type FrameType byte

const (
	// FrameInit carries the full document state, server to client, once per
	// session right after joining.
	FrameInit FrameType = 0x01
	// FrameUpdate carries one opaque encoded document update, both directions.
	FrameUpdate FrameType = 0x02
	// FramePresence carries a JSON presence payload, both directions.
	FramePresence FrameType = 0x03
	// FrameError carries a JSON error notification, server to client.
	FrameError FrameType = 0x04
)

const (
	errCodeMalformedUpdate = "malformed_update"
	errCodeRoomClosed      = "room_closed"
)

var errEmptyFrame = fmt.Errorf("gateway: empty frame")

// ErrorPayload is the body of a FrameError message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// presencePayload is what a client sends in a FramePresence message. Identity
// and color are filled in server-side from the connection principal.
type presencePayload struct {
	DisplayName string          `json:"display_name"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

func encodeFrame(frameType FrameType, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(frameType))
	return append(frame, payload...)
}

func decodeFrame(data []byte) (FrameType, []byte, error) {
	if len(data) == 0 {
		return 0, nil, errEmptyFrame
	}
	return FrameType(data[0]), data[1:], nil
}

func encodeErrorFrame(code, message string) []byte {
	payload, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		payload = []byte(`{"code":"internal"}`)
	}
	return encodeFrame(FrameError, payload)
}
