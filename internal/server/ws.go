package server

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/streamfold/chatrelay/internal/chat"
	"github.com/streamfold/chatrelay/internal/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	frameTypePublish = "publish"
	frameTypeMessage = "message"
	frameTypeAck     = "ack"
	frameTypeError   = "error"
)

type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Token   string `json:"token"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	ID      int64  `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	Token   string `json:"token,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// handleChat upgrades the request and runs the connection until either side
// closes. The handshake carries the client's resume state as query
// parameters: last_seen_id (highest message id already seen, 0 if none) and
// recovered (1 when the client is certain it missed nothing).
func (h *httpHandler) handleChat(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing") //nolint:errcheck
	conn.SetReadLimit(maxFrameBytes)

	lastSeenID, err := strconv.ParseInt(c.DefaultQuery("last_seen_id", "0"), 10, 64)
	if err != nil || lastSeenID < 0 {
		conn.Close(websocket.StatusPolicyViolation, "invalid last_seen_id") //nolint:errcheck
		return
	}
	recovered := c.Query("recovered") == "1" || c.Query("recovered") == "true"

	sess := session.Session{
		ConnectionID: uuid.NewString(),
		LastKnownID:  lastSeenID,
		Recovered:    recovered,
	}
	h.logger.Info("client connected",
		zap.String("connection_id", sess.ConnectionID),
		zap.Int64("last_seen_id", sess.LastKnownID),
		zap.Bool("recovered", sess.Recovered))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := make(chan outboundFrame, h.sendQueue)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-out:
				if err := writeFrame(ctx, conn, frame); err != nil {
					h.logger.Debug("websocket write failed",
						zap.String("connection_id", sess.ConnectionID),
						zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					h.logger.Debug("heartbeat failed",
						zap.String("connection_id", sess.ConnectionID),
						zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	emitter := &queueEmitter{ctx: ctx, out: out}
	go func() {
		if err := h.gateway.Run(ctx, sess, emitter); err != nil {
			h.logger.Debug("session ended",
				zap.String("connection_id", sess.ConnectionID),
				zap.Error(err))
		}
		cancel()
	}()

	limiter := rate.NewLimiter(rate.Limit(float64(h.rateEvents)/h.rateWindow.Seconds()), h.rateEvents)
	h.readLoop(ctx, conn, sess, out, limiter)

	cancel()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "bye") //nolint:errcheck
	h.logger.Info("client disconnected", zap.String("connection_id", sess.ConnectionID))
}

func (h *httpHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess session.Session, out chan outboundFrame, limiter *rate.Limiter) {
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if messageType != websocket.MessageText {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sendFrame(ctx, out, outboundFrame{Type: frameTypeError, Reason: "invalid_frame"})
			continue
		}
		if frame.Type != frameTypePublish {
			sendFrame(ctx, out, outboundFrame{Type: frameTypeError, Reason: "unsupported_type"})
			continue
		}

		token, err := chat.NewIdempotencyToken(frame.Token)
		if err != nil {
			sendFrame(ctx, out, outboundFrame{Type: frameTypeError, Reason: "invalid_token"})
			continue
		}
		if frame.Content == "" {
			sendFrame(ctx, out, outboundFrame{Type: frameTypeError, Reason: "empty_content"})
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		ack := func() {
			sendFrame(ctx, out, outboundFrame{Type: frameTypeAck, Token: token.String()})
		}
		if err := h.gateway.Publish(ctx, frame.Content, token, ack); err != nil {
			// Transient store failure: no ack is sent, the client's retry
			// timeout resubmits with the same token.
			h.logger.Warn("publish failed",
				zap.String("connection_id", sess.ConnectionID),
				zap.String("token", token.String()),
				zap.Error(err))
		}
	}
}

// queueEmitter routes deliveries onto the connection's outbound queue. Sends
// block so recovery replay and live delivery keep their order; a dead writer
// cancels ctx and unblocks everything.
type queueEmitter struct {
	ctx context.Context
	out chan outboundFrame
}

func (e *queueEmitter) Emit(connectionID string, content string, id int64) error {
	return sendFrame(e.ctx, e.out, outboundFrame{Type: frameTypeMessage, ID: id, Content: content})
}

func sendFrame(ctx context.Context, out chan outboundFrame, frame outboundFrame) error {
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
	defer writeCancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
