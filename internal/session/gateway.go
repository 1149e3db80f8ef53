package session

import (
	"context"
	"errors"
	"sync"

	"github.com/streamfold/chatrelay/internal/bus"
	"github.com/streamfold/chatrelay/internal/chat"
	"go.uber.org/zap"
)

var (
	errMissingGate     = errors.New("dedup gate is required")
	errMissingBus      = errors.New("broadcast bus is required")
	errMissingRecovery = errors.New("recovery engine is required")
	errMissingTopic    = errors.New("broadcast topic is required")
)

// GatewayConfig carries the shared collaborators for a Gateway. One Gateway
// serves many connections; all per-connection state lives in Run's frame.
type GatewayConfig struct {
	Gate             *chat.Gate
	Bus              bus.Bus
	Recovery         *RecoveryEngine
	Topic            string
	SubscriberBuffer int
	Logger           *zap.Logger
}

// Gateway is the per-connection entry point of the relay: it accepts inbound
// publishes, drives reconnect recovery, and pumps live broadcasts to the
// client.
type Gateway struct {
	gate             *chat.Gate
	bus              bus.Bus
	recovery         *RecoveryEngine
	topic            string
	subscriberBuffer int
	logger           *zap.Logger

	// publishMu keeps bus enqueue order equal to id commit order. Without
	// it, two concurrent publishers could commit ids 1,2 but enqueue 2,1,
	// and the per-session monotonic filter in Run would drop id 1 for
	// every connected client until its next reconnect.
	publishMu sync.Mutex
}

// NewGateway validates the configuration and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Gate == nil {
		return nil, errMissingGate
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Recovery == nil {
		return nil, errMissingRecovery
	}
	if cfg.Topic == "" {
		return nil, errMissingTopic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		gate:             cfg.Gate,
		bus:              cfg.Bus,
		recovery:         cfg.Recovery,
		topic:            cfg.Topic,
		subscriberBuffer: cfg.SubscriberBuffer,
		logger:           logger,
	}, nil
}

// Publish pushes one inbound message through the dedup gate and, for a fresh
// insert, fans it out on the bus. ack is invoked for both Inserted and
// AlreadyPresent: the client's contract is only that the message is durably
// recorded. On a transient store failure ack is NOT called, so the client's
// retry timeout fires and resends with the same idempotency token.
func (g *Gateway) Publish(ctx context.Context, content string, token chat.IdempotencyToken, ack func()) error {
	g.publishMu.Lock()
	outcome, err := g.gate.Submit(ctx, content, token)
	if err != nil {
		g.publishMu.Unlock()
		return err
	}

	if outcome.Status == chat.StatusInserted {
		envelope := bus.Envelope{ID: outcome.Message.ID, Content: outcome.Message.Content}
		if publishErr := g.bus.Publish(g.topic, envelope); publishErr != nil {
			// The row is already durable; a dead bus only degrades live
			// fan-out until recovery catches clients up.
			g.logger.Warn("broadcast publish failed",
				zap.Int64("message_id", outcome.Message.ID),
				zap.Error(publishErr))
		}
	}
	g.publishMu.Unlock()

	ack()
	return nil
}

// Run serves one connection until ctx is done: it subscribes to the bus,
// replays missed messages unless the session is already recovered, then pumps
// live deliveries.
//
// Subscription happens before the replay range is read, so every message is
// covered by at least one of the two paths; a per-session monotonic id filter
// then drops anything already sent, which closes the recovery/live race
// window without reordering.
func (g *Gateway) Run(ctx context.Context, sess Session, emitter Emitter) error {
	stream, cancel := g.bus.Subscribe(g.topic, g.subscriberBuffer)
	defer cancel()

	lastSent := sess.LastKnownID

	if !sess.Recovered {
		lastEmitted, err := g.recovery.Recover(ctx, sess, func(message chat.Message) error {
			return emitter.Emit(sess.ConnectionID, message.Content, message.ID)
		})
		if lastEmitted > lastSent {
			lastSent = lastEmitted
		}
		if err != nil {
			// Partial replay stands; the client re-attempts from its own
			// recorded offset on the next reconnect.
			g.logger.Warn("resuming live delivery after failed recovery",
				zap.String("connection_id", sess.ConnectionID),
				zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case envelope := <-stream:
			if envelope.ID <= lastSent {
				continue
			}
			if err := emitter.Emit(sess.ConnectionID, envelope.Content, envelope.ID); err != nil {
				return err
			}
			lastSent = envelope.ID
		}
	}
}
