package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/streamfold/chatrelay/internal/session"
	"go.uber.org/zap"
)

const (
	defaultSendQueue    = 64
	defaultRateEvents   = 20
	defaultRateWindow   = time.Second
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 5 * time.Second
	maxFrameBytes       = 32 << 10
)

var errMissingGateway = errors.New("session gateway dependency required")

// Dependencies carries the collaborators for the HTTP surface of one worker.
type Dependencies struct {
	Gateway *session.Gateway
	Logger  *zap.Logger

	// SendQueue bounds the per-connection outbound frame queue.
	SendQueue int
	// RateEvents and RateWindow bound inbound publishes per connection.
	RateEvents int
	RateWindow time.Duration
	// PingInterval drives the heartbeat that sheds dead connections.
	PingInterval time.Duration
}

// NewHTTPHandler builds the worker's HTTP handler: a health probe and the
// websocket chat endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.SendQueue <= 0 {
		deps.SendQueue = defaultSendQueue
	}
	if deps.RateEvents <= 0 {
		deps.RateEvents = defaultRateEvents
	}
	if deps.RateWindow <= 0 {
		deps.RateWindow = defaultRateWindow
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = defaultPingInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		gateway:      deps.Gateway,
		logger:       logger,
		sendQueue:    deps.SendQueue,
		rateEvents:   deps.RateEvents,
		rateWindow:   deps.RateWindow,
		pingInterval: deps.PingInterval,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/chat", handler.handleChat)

	return router, nil
}

type httpHandler struct {
	gateway      *session.Gateway
	logger       *zap.Logger
	sendQueue    int
	rateEvents   int
	rateWindow   time.Duration
	pingInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
