package server

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestPublishIsAckedAndDeliveredToSelf(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	conn := dialChat(testContext, testServer.URL, "last_seen_id=0")

	writeClientFrame(testContext, conn, inboundFrame{Type: frameTypePublish, Content: "hi", Token: "tok1"})

	sawAck := false
	sawMessage := false
	for frameCount := 0; frameCount < 2; frameCount++ {
		frame := readServerFrame(testContext, conn)
		switch frame.Type {
		case frameTypeAck:
			if frame.Token != "tok1" {
				testContext.Fatalf("expected ack for tok1, got %s", frame.Token)
			}
			sawAck = true
		case frameTypeMessage:
			if frame.ID != 1 || frame.Content != "hi" {
				testContext.Fatalf("unexpected message frame: %+v", frame)
			}
			sawMessage = true
		default:
			testContext.Fatalf("unexpected frame type %s", frame.Type)
		}
	}
	if !sawAck || !sawMessage {
		testContext.Fatalf("expected both ack and message, ack=%v message=%v", sawAck, sawMessage)
	}
}

func TestReconnectReplaysMissedMessages(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	publisher := dialChat(testContext, testServer.URL, "last_seen_id=0")
	for messageIndex := 1; messageIndex <= 3; messageIndex++ {
		token := "tok-" + strconv.Itoa(messageIndex)
		writeClientFrame(testContext, publisher, inboundFrame{Type: frameTypePublish, Content: "msg " + token, Token: token})
		// Drain the publisher's own ack and live delivery before the next
		// publish so ids stay deterministic.
		for frameCount := 0; frameCount < 2; frameCount++ {
			readServerFrame(testContext, publisher)
		}
	}

	reconnecting := dialChat(testContext, testServer.URL, "last_seen_id=1")
	for _, expectedID := range []int64{2, 3} {
		frame := readServerFrame(testContext, reconnecting)
		if frame.Type != frameTypeMessage || frame.ID != expectedID {
			testContext.Fatalf("expected replayed message %d, got %+v", expectedID, frame)
		}
	}
}

func TestDuplicateRetryIsAckedWithoutRedelivery(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	clientA := dialChat(testContext, testServer.URL, "last_seen_id=0")
	clientB := dialChat(testContext, testServer.URL, "last_seen_id=0")

	writeClientFrame(testContext, clientA, inboundFrame{Type: frameTypePublish, Content: "hi", Token: "tok1"})
	for frameCount := 0; frameCount < 2; frameCount++ {
		readServerFrame(testContext, clientA)
	}
	if frame := readServerFrame(testContext, clientB); frame.Type != frameTypeMessage || frame.ID != 1 {
		testContext.Fatalf("expected delivery of message 1 to client B, got %+v", frame)
	}

	// Retry with the same idempotency token: acked, never redelivered.
	writeClientFrame(testContext, clientA, inboundFrame{Type: frameTypePublish, Content: "hi", Token: "tok1"})
	if frame := readServerFrame(testContext, clientA); frame.Type != frameTypeAck || frame.Token != "tok1" {
		testContext.Fatalf("expected ack for retried publish, got %+v", frame)
	}
	expectNoFrame(testContext, clientA, 200*time.Millisecond)
	expectNoFrame(testContext, clientB, 200*time.Millisecond)
}

func TestRecoveredSessionSkipsReplay(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	publisher := dialChat(testContext, testServer.URL, "last_seen_id=0")
	writeClientFrame(testContext, publisher, inboundFrame{Type: frameTypePublish, Content: "hi", Token: "tok1"})
	for frameCount := 0; frameCount < 2; frameCount++ {
		readServerFrame(testContext, publisher)
	}

	resumed := dialChat(testContext, testServer.URL, "last_seen_id=1&recovered=1")
	expectNoFrame(testContext, resumed, 200*time.Millisecond)
}

func TestInvalidFramesAreRejected(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newTestHandler(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	conn := dialChat(testContext, testServer.URL, "last_seen_id=0")

	writeClientFrame(testContext, conn, inboundFrame{Type: frameTypePublish, Content: "hi", Token: ""})
	if frame := readServerFrame(testContext, conn); frame.Type != frameTypeError || frame.Reason != "invalid_token" {
		testContext.Fatalf("expected invalid_token error, got %+v", frame)
	}

	writeClientFrame(testContext, conn, inboundFrame{Type: "unknown", Content: "hi", Token: "tok1"})
	if frame := readServerFrame(testContext, conn); frame.Type != frameTypeError || frame.Reason != "unsupported_type" {
		testContext.Fatalf("expected unsupported_type error, got %+v", frame)
	}
}
