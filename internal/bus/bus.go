package bus

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultSubscriberBuffer = 16
	topicQueueSize          = 1024
)

// ErrBusClosed indicates a publish against a closed bus. Callers treat this as
// a liveness degradation, never a durability failure: the message is already
// stored by the time it reaches the bus.
var ErrBusClosed = errors.New("bus: closed")

// Envelope is the fan-out unit: a persisted message identified by its
// store-assigned id.
type Envelope struct {
	ID      int64
	Content string
}

// Bus delivers every published envelope to every subscriber of a topic, in
// publish order. Delivery to a slow or gone subscriber is dropped; catching a
// client up after a drop is the recovery path's job, not the bus's.
type Bus interface {
	Publish(topic string, envelope Envelope) error
	Subscribe(topic string, buffer int) (<-chan Envelope, func())
	Close()
}

// Ordered is the in-memory Bus for a single machine's worker set. Each topic
// owns one FIFO queue drained by one dispatch goroutine, so all subscribers of
// a topic observe envelopes in the same order.
type Ordered struct {
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*orderedTopic
	closed bool
	done   chan struct{}
}

type orderedTopic struct {
	name   string
	logger *zap.Logger
	queue  chan Envelope

	mu          sync.RWMutex
	subscribers map[int64]chan Envelope
	nextID      int64
}

// NewOrdered returns a started Ordered bus.
func NewOrdered(logger *zap.Logger) *Ordered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ordered{
		logger: logger,
		topics: make(map[string]*orderedTopic),
		done:   make(chan struct{}),
	}
}

// Publish enqueues the envelope for fan-out to every subscriber of the topic.
// It blocks only when the topic queue is full, which keeps enqueue order equal
// to call order for a serialized publisher.
func (b *Ordered) Publish(topic string, envelope Envelope) error {
	topicState, err := b.topicFor(topic)
	if err != nil {
		return err
	}
	select {
	case topicState.queue <- envelope:
		return nil
	case <-b.done:
		return ErrBusClosed
	}
}

// Subscribe registers a new subscriber channel on the topic and returns it
// together with a cancel function. The channel is never closed by the bus;
// after cancel it simply stops receiving. Subscribing on a closed bus returns
// a nil channel, which blocks receivers until their context ends.
func (b *Ordered) Subscribe(topic string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	topicState, err := b.topicFor(topic)
	if err != nil {
		return nil, func() {}
	}

	stream := make(chan Envelope, buffer)
	subscriberID := topicState.register(stream)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			topicState.unregister(subscriberID)
		})
	}
	return stream, cancel
}

// Close stops all topic dispatchers. Envelopes still queued are dropped.
func (b *Ordered) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Ordered) topicFor(name string) (*orderedTopic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if topicState, ok := b.topics[name]; ok {
		return topicState, nil
	}
	topicState := &orderedTopic{
		name:        name,
		logger:      b.logger,
		queue:       make(chan Envelope, topicQueueSize),
		subscribers: make(map[int64]chan Envelope),
	}
	b.topics[name] = topicState
	go topicState.dispatch(b.done)
	return topicState, nil
}

func (t *orderedTopic) dispatch(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case envelope := <-t.queue:
			t.fanOut(envelope)
		}
	}
}

func (t *orderedTopic) fanOut(envelope Envelope) {
	t.mu.RLock()
	streams := make([]chan Envelope, 0, len(t.subscribers))
	for _, stream := range t.subscribers {
		streams = append(streams, stream)
	}
	t.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- envelope:
		default:
			// Full subscriber queue: drop and let reconnect recovery catch up.
			t.logger.Debug("bus delivery dropped",
				zap.String("topic", t.name),
				zap.Int64("message_id", envelope.ID))
		}
	}
}

func (t *orderedTopic) register(stream chan Envelope) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.subscribers[t.nextID] = stream
	return t.nextID
}

func (t *orderedTopic) unregister(subscriberID int64) {
	t.mu.Lock()
	delete(t.subscribers, subscriberID)
	t.mu.Unlock()
}
