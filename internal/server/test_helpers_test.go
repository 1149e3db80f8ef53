package server

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sqlite "github.com/glebarez/sqlite"
	"github.com/streamfold/chatrelay/internal/bus"
	"github.com/streamfold/chatrelay/internal/chat"
	"github.com/streamfold/chatrelay/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestHandler(testContext *testing.T) http.Handler {
	testContext.Helper()

	databasePath := filepath.Join(testContext.TempDir(), "relay.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&chat.Message{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := chat.NewStore(chat.StoreConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	gate, err := chat.NewGate(store, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build gate: %v", err)
	}
	relayBus := bus.NewOrdered(zap.NewNop())
	testContext.Cleanup(relayBus.Close)
	recovery, err := session.NewRecoveryEngine(store, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to build recovery engine: %v", err)
	}
	gateway, err := session.NewGateway(session.GatewayConfig{
		Gate:     gate,
		Bus:      relayBus,
		Recovery: recovery,
		Topic:    "chat.messages",
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{Gateway: gateway, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func dialChat(testContext *testing.T, baseURL, query string) *websocket.Conn {
	testContext.Helper()
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, baseURL+"/chat?"+query, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	testContext.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test done") //nolint:errcheck
	})
	return conn
}

func writeClientFrame(testContext *testing.T, conn *websocket.Conn, frame inboundFrame) {
	testContext.Helper()
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer writeCancel()
	if err := wsjson.Write(writeCtx, conn, frame); err != nil {
		testContext.Fatalf("failed to write frame: %v", err)
	}
}

func readServerFrame(testContext *testing.T, conn *websocket.Conn) outboundFrame {
	testContext.Helper()
	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	var frame outboundFrame
	if err := wsjson.Read(readCtx, conn, &frame); err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func expectNoFrame(testContext *testing.T, conn *websocket.Conn, window time.Duration) {
	testContext.Helper()
	readCtx, readCancel := context.WithTimeout(context.Background(), window)
	defer readCancel()
	var frame outboundFrame
	if err := wsjson.Read(readCtx, conn, &frame); err == nil {
		testContext.Fatalf("did not expect frame, got %+v", frame)
	}
}
