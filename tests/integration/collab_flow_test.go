package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/inkwell-labs/inkwell/internal/auth"
	"github.com/inkwell-labs/inkwell/internal/document"
	"github.com/inkwell-labs/inkwell/internal/gateway"
	"github.com/inkwell-labs/inkwell/internal/metadata"
	"github.com/inkwell-labs/inkwell/internal/persistence"
	"github.com/inkwell-labs/inkwell/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "inkwell_session"
)

type testStack struct {
	server   *httptest.Server
	db       *gorm.DB
	registry *document.Registry
	bridge   *persistence.Bridge
}

func newTestStack(t *testing.T, name string) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&persistence.StateRecord{}, &metadata.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	bridge, err := persistence.NewBridge(persistence.BridgeConfig{
		Database: db,
		Logger:   zap.NewNop(),
		Debounce: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}
	registry := document.NewRegistry(document.RegistryConfig{
		Bridge:        bridge,
		EvictionGrace: 50 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	metadataService, err := metadata.NewService(metadata.ServiceConfig{
		Database: db,
		States:   bridge,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build metadata service: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Metadata:         metadataService,
		Gateway:          gateway.NewGateway(gateway.GatewayConfig{Rooms: registry, Logger: zap.NewNop()}),
		Rooms:            registry,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &testStack{server: testServer, db: db, registry: registry, bridge: bridge}
}

func mustMintSessionToken(t *testing.T, subject, displayName string) string {
	t.Helper()
	claims := auth.SessionClaims{
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to mint session token: %v", err)
	}
	return token
}

func dialRoom(t *testing.T, stack *testStack, roomID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/ws?room=" + roomID
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("websocket dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (gateway.FrameType, []byte) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline failed: %v", err)
	}
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	if len(message) == 0 {
		t.Fatalf("received an empty frame")
	}
	return gateway.FrameType(message[0]), message[1:]
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType gateway.FrameType, payload []byte) {
	t.Helper()
	frame := append([]byte{byte(frameType)}, payload...)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

func docUpdate(body string) []byte {
	return append([]byte{0x01}, []byte(body)...)
}

func stateVersion(t *testing.T, encoded []byte) int64 {
	t.Helper()
	state, err := document.NewStateFromEncoded(encoded)
	if err != nil {
		t.Fatalf("state encoding did not decode: %v", err)
	}
	return state.Version()
}

func TestTwoClientsConvergeAndPersist(t *testing.T) {
	stack := newTestStack(t, "integration_converge")

	tokenAda := mustMintSessionToken(t, "user-ada", "Ada")
	tokenGrace := mustMintSessionToken(t, "user-grace", "Grace")

	connAda := dialRoom(t, stack, "doc-1", tokenAda)
	frameType, initial := readFrame(t, connAda)
	if frameType != gateway.FrameInit {
		t.Fatalf("expected init frame first, got %#x", frameType)
	}
	if stateVersion(t, initial) != 0 {
		t.Fatalf("fresh document should start empty")
	}

	connGrace := dialRoom(t, stack, "doc-1", tokenGrace)
	if frameType, _ := readFrame(t, connGrace); frameType != gateway.FrameInit {
		t.Fatalf("expected init frame first, got %#x", frameType)
	}

	hello := docUpdate("hello")
	writeFrame(t, connAda, gateway.FrameUpdate, hello)
	frameType, relayed := readFrame(t, connGrace)
	if frameType != gateway.FrameUpdate {
		t.Fatalf("expected update frame, got %#x", frameType)
	}
	if !bytes.Equal(relayed, hello) {
		t.Fatalf("relayed update bytes changed")
	}

	world := docUpdate(" world")
	writeFrame(t, connGrace, gateway.FrameUpdate, world)
	frameType, relayed = readFrame(t, connAda)
	if frameType != gateway.FrameUpdate {
		t.Fatalf("expected update frame, got %#x", frameType)
	}
	if !bytes.Equal(relayed, world) {
		t.Fatalf("relayed update bytes changed")
	}

	// The debounced checkpoint lands without anyone disconnecting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var record persistence.StateRecord
		err := stack.db.Where("document_id = ?", "doc-1").Take(&record).Error
		if err == nil && stateVersion(t, record.BinaryState) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint with both fragments never stored (last err: %v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Disconnect everyone; after the grace period the room is evicted and a
	// late joiner is served from storage.
	connAda.Close()
	connGrace.Close()

	deadline = time.Now().Add(2 * time.Second)
	for stack.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room was not evicted after the last disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	connLate := dialRoom(t, stack, "doc-1", mustMintSessionToken(t, "user-late", "Late"))
	frameType, restored := readFrame(t, connLate)
	if frameType != gateway.FrameInit {
		t.Fatalf("expected init frame, got %#x", frameType)
	}
	if stateVersion(t, restored) != 2 {
		t.Fatalf("restored state missing fragments, version %d", stateVersion(t, restored))
	}
}

func TestPresenceIsRelayedButNeverPersisted(t *testing.T) {
	stack := newTestStack(t, "integration_presence")

	connAda := dialRoom(t, stack, "doc-p", mustMintSessionToken(t, "user-ada", "Ada"))
	readFrame(t, connAda)
	connGrace := dialRoom(t, stack, "doc-p", mustMintSessionToken(t, "user-grace", "Grace"))
	readFrame(t, connGrace)

	writeFrame(t, connAda, gateway.FramePresence, []byte(`{"display_name":"Ada","cursor":{"anchor":4}}`))

	frameType, payload := readFrame(t, connGrace)
	if frameType != gateway.FramePresence {
		t.Fatalf("expected presence frame, got %#x", frameType)
	}
	var broadcast document.PresenceBroadcast
	if err := json.Unmarshal(payload, &broadcast); err != nil {
		t.Fatalf("presence payload did not decode: %v", err)
	}
	if broadcast.Subject != "user-ada" {
		t.Fatalf("presence subject wrong: %q", broadcast.Subject)
	}
	if broadcast.DisplayName != "Ada" {
		t.Fatalf("presence display name wrong: %q", broadcast.DisplayName)
	}
	if broadcast.Color == "" {
		t.Fatalf("presence color missing")
	}

	// Presence alone never dirties the document.
	time.Sleep(100 * time.Millisecond)
	var count int64
	if err := stack.db.Model(&persistence.StateRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("presence traffic produced a state record")
	}
}

func TestMalformedUpdateIsRejectedWithoutDisconnecting(t *testing.T) {
	stack := newTestStack(t, "integration_malformed")

	conn := dialRoom(t, stack, "doc-m", mustMintSessionToken(t, "user-ada", "Ada"))
	readFrame(t, conn)

	writeFrame(t, conn, gateway.FrameUpdate, []byte{0x7f, 0x01})
	frameType, payload := readFrame(t, conn)
	if frameType != gateway.FrameError {
		t.Fatalf("expected error frame, got %#x", frameType)
	}
	var errorPayload gateway.ErrorPayload
	if err := json.Unmarshal(payload, &errorPayload); err != nil {
		t.Fatalf("error payload did not decode: %v", err)
	}
	if errorPayload.Code != "malformed_update" {
		t.Fatalf("wrong error code: %q", errorPayload.Code)
	}

	// The session survives and a well-formed update still goes through.
	writeFrame(t, conn, gateway.FrameUpdate, docUpdate("recovered"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		var record persistence.StateRecord
		if err := stack.db.Where("document_id = ?", "doc-m").Take(&record).Error; err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("update after rejection never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeleteDisconnectsSessionsAndPurgesBothRecords(t *testing.T) {
	stack := newTestStack(t, "integration_delete")

	tokenOwner := mustMintSessionToken(t, "user-owner", "Owner")

	createBody := strings.NewReader(`{"document_id":"doc-del","title":"Doomed"}`)
	createReq, _ := http.NewRequest(http.MethodPost, stack.server.URL+"/api/documents", createBody)
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("Authorization", "Bearer "+tokenOwner)
	createResp, err := stack.server.Client().Do(createReq)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", createResp.StatusCode)
	}

	conn := dialRoom(t, stack, "doc-del", tokenOwner)
	readFrame(t, conn)
	writeFrame(t, conn, gateway.FrameUpdate, docUpdate("contents"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		var record persistence.StateRecord
		if err := stack.db.Where("document_id = ?", "doc-del").Take(&record).Error; err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never persisted before the delete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	deleteReq, _ := http.NewRequest(http.MethodDelete, stack.server.URL+"/api/documents/doc-del", nil)
	deleteReq.Header.Set("Authorization", "Bearer "+tokenOwner)
	deleteResp, err := stack.server.Client().Do(deleteReq)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", deleteResp.StatusCode)
	}

	// Both durable records are gone and stay gone: the discarded room cannot
	// checkpoint the deleted document back into existence.
	time.Sleep(150 * time.Millisecond)
	var stateCount, metadataCount int64
	if err := stack.db.Model(&persistence.StateRecord{}).Where("document_id = ?", "doc-del").Count(&stateCount).Error; err != nil {
		t.Fatalf("state count failed: %v", err)
	}
	if err := stack.db.Model(&metadata.Record{}).Where("document_id = ?", "doc-del").Count(&metadataCount).Error; err != nil {
		t.Fatalf("metadata count failed: %v", err)
	}
	if stateCount != 0 || metadataCount != 0 {
		t.Fatalf("durable records survived the delete: state=%d metadata=%d", stateCount, metadataCount)
	}

	// The attached session is force-closed.
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline failed: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// Reopening the identifier starts from a blank document.
	connAgain := dialRoom(t, stack, "doc-del", tokenOwner)
	frameType, restored := readFrame(t, connAgain)
	if frameType != gateway.FrameInit {
		t.Fatalf("expected init frame, got %#x", frameType)
	}
	if stateVersion(t, restored) != 0 {
		t.Fatalf("deleted document came back with version %d", stateVersion(t, restored))
	}
}
