// Package bus implements the core trading runtime's event bus (C1):
// typed, topic-based publish/subscribe with per-topic FIFO ordering,
// bounded per-(topic,subscriber) queues, and a per-topic backpressure
// policy. It is the only thing every other component depends on directly
// — there are no direct references between managers (§9).
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/tradingcore/pkg/trading"
)

// ErrUnknownTopic is returned when Publish/Subscribe is called with a topic
// outside the closed set in pkg/trading.Topics.
var ErrUnknownTopic = errors.New("bus: unknown topic")

// ErrBackpressureTimeout is returned when a publish to a lossless topic
// could not acquire queue room within the configured timeout.
var ErrBackpressureTimeout = errors.New("bus: backpressure timeout")

// ErrPayloadTopicMismatch is returned when a payload's own Topic() disagrees
// with the topic it was published on.
var ErrPayloadTopicMismatch = errors.New("bus: payload topic mismatch")

// Config tunes queue depth and backpressure behavior.
type Config struct {
	// QueueDepth is the bound on each (topic, subscriber) queue. Default 1024.
	QueueDepth int
	// BackpressureTimeout bounds how long Publish blocks on a full lossless
	// (non-market_data) topic before failing. Default 5s.
	BackpressureTimeout time.Duration
}

// DefaultConfig returns the bus defaults named in §6.
func DefaultConfig() Config {
	return Config{
		QueueDepth:          1024,
		BackpressureTimeout: 5 * time.Second,
	}
}

// lossy topics drop the oldest queued event to make room rather than block
// the publisher (§4.1: "market_data drops oldest"). Every other topic in
// the closed set is lossless and blocks.
func isLossy(topic trading.Topic) bool {
	return topic == trading.TopicMarketData
}

// subscription is one (topic, handler) registration. Exactly one worker
// goroutine drains its queue, so two events are never delivered to the
// same handler concurrently.
type subscription struct {
	id      uint64
	topic   trading.Topic
	handler func(*trading.Event)
	queue   chan *trading.Event
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscription is the caller-held handle returned by Bus.Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscription
}

// Unsubscribe removes the handler from the topic. In-flight deliveries to
// the handler are allowed to complete; no further events are queued to it.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.sub)
	s.sub.cancel()
	<-s.sub.done
}

// Bus is the typed, ordered, backpressure-aware publish/subscribe hub.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[trading.Topic][]*subscription

	seq    map[trading.Topic]*atomic.Uint64
	nextID atomic.Uint64

	// pubMu serializes, per topic, sequence-number assignment together
	// with delivery to every subscriber. Without this, two concurrent
	// Publish calls on the same topic can have the one assigned the lower
	// sequence number finish enqueuing onto a subscriber's queue after the
	// one assigned the higher number (e.g. it blocks briefly in
	// deliverLossless's backpressure wait) — the subscriber's single
	// worker then observes sequence numbers out of order. Multi-producer
	// publishing to the same topic is the normal case here, not an edge
	// case: strategyhost runs one goroutine per strategy instance, and
	// each independently publishes to the signal topic.
	pubMu map[trading.Topic]*sync.Mutex
}

// New constructs a Bus pre-registering queues for every topic in the
// closed set.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = DefaultConfig().BackpressureTimeout
	}

	b := &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		subs:   make(map[trading.Topic][]*subscription),
		seq:    make(map[trading.Topic]*atomic.Uint64),
		pubMu:  make(map[trading.Topic]*sync.Mutex),
	}
	for _, topic := range trading.Topics {
		b.seq[topic] = &atomic.Uint64{}
		b.pubMu[topic] = &sync.Mutex{}
	}
	return b
}

// Subscribe registers handler for topic. Handler is invoked for every event
// published on topic after this call returns; it never sees history.
func (b *Bus) Subscribe(topic trading.Topic, handler func(*trading.Event)) (*Subscription, error) {
	if _, ok := b.seq[topic]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:      b.nextID.Add(1),
		topic:   topic,
		handler: handler,
		queue:   make(chan *trading.Event, b.cfg.QueueDepth),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go b.runSubscriber(ctx, sub)

	return &Subscription{bus: b, sub: sub}, nil
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.topic]
	for i, s := range subs {
		if s.id == target.id {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// runSubscriber is the one worker goroutine serializing delivery to a
// single handler. A handler panic is isolated: logged and reported on
// system_alert (unless the subscriber is itself on system_alert, to avoid
// recursive failure loops), and the worker continues to the next event.
func (b *Bus) runSubscriber(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.queue:
			if !ok {
				return
			}
			b.invoke(sub, evt)
		}
	}
}

func (b *Bus) invoke(sub *subscription, evt *trading.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked",
				"topic", sub.topic, "event_id", evt.EventID, "panic", r)
			if sub.topic != trading.TopicSystemAlert {
				b.publishAlert(trading.AlertError, "bus",
					fmt.Sprintf("subscriber handler panicked on topic %s: %v", sub.topic, r))
			}
		}
	}()
	sub.handler(evt)
}

// Publish delivers payload on topic to every current subscriber, in
// publish order, assigning a per-topic monotonically increasing sequence
// number. Concurrent Publish calls on the same topic are serialized by
// pubMu so sequence assignment and subscriber delivery happen as one
// atomic step; calls on different topics still run fully in parallel.
// For the lossy market_data topic, a full subscriber queue drops its
// oldest event to make room. For every other (lossless) topic, Publish
// blocks until room is available or BackpressureTimeout elapses.
func (b *Bus) Publish(ctx context.Context, topic trading.Topic, payload trading.EventPayload) (trading.Event, error) {
	counter, ok := b.seq[topic]
	if !ok {
		return trading.Event{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if payload.Topic() != topic {
		return trading.Event{}, fmt.Errorf("%w: payload is for %q, published on %q",
			ErrPayloadTopicMismatch, payload.Topic(), topic)
	}

	// Holds for the whole sequence-assign-then-deliver step: see pubMu's
	// doc comment on the Bus struct.
	topicMu := b.pubMu[topic]
	topicMu.Lock()
	defer topicMu.Unlock()

	evt := trading.Event{
		EventID:        trading.NewEventID(),
		Topic:          topic,
		Payload:        payload,
		TimestampUTC:   time.Now(),
		SequenceNumber: counter.Add(1),
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, &evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return evt, firstErr
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, evt *trading.Event) error {
	if isLossy(sub.topic) {
		return b.deliverLossy(sub, evt)
	}
	return b.deliverLossless(ctx, sub, evt)
}

func (b *Bus) deliverLossy(sub *subscription, evt *trading.Event) error {
	select {
	case sub.queue <- evt:
		return nil
	default:
	}

	// Queue full: drop the oldest event to make room, then enqueue the new
	// one. Emit an alert so operators can see the loss (§4.1).
	select {
	case <-sub.queue:
	default:
	}
	select {
	case sub.queue <- evt:
	default:
		// Another producer raced us and refilled the queue; give up
		// quietly rather than spin — this is a best-effort lossy topic.
	}

	b.publishAlert(trading.AlertWarning, "bus",
		fmt.Sprintf("dropped oldest event on topic %s: subscriber queue full", sub.topic))
	return nil
}

func (b *Bus) deliverLossless(ctx context.Context, sub *subscription, evt *trading.Event) error {
	timer := time.NewTimer(b.cfg.BackpressureTimeout)
	defer timer.Stop()

	select {
	case sub.queue <- evt:
		return nil
	case <-timer.C:
		b.publishAlert(trading.AlertWarning, "bus",
			fmt.Sprintf("backpressure timeout on topic %s", sub.topic))
		return fmt.Errorf("%w: topic %q", ErrBackpressureTimeout, sub.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishAlert emits a system_alert event, best-effort. It never recurses
// back through Publish for the system_alert topic's own delivery failures.
func (b *Bus) publishAlert(severity trading.AlertSeverity, source, message string) {
	payload := trading.SystemAlertPayload{
		Severity:     severity,
		Source:       source,
		Message:      message,
		TimestampUTC: time.Now(),
	}

	b.logger.Warn("system alert", "severity", severity, "source", source, "message", message)

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[trading.TopicSystemAlert]))
	copy(subs, b.subs[trading.TopicSystemAlert])
	b.mu.RUnlock()

	counter := b.seq[trading.TopicSystemAlert]
	evt := &trading.Event{
		EventID:        trading.NewEventID(),
		Topic:          trading.TopicSystemAlert,
		Payload:        payload,
		TimestampUTC:   time.Now(),
		SequenceNumber: counter.Add(1),
	}

	for _, sub := range subs {
		select {
		case sub.queue <- evt:
		default:
			// system_alert is lossless in principle but must never block
			// here — we are already inside an alerting path.
		}
	}
}
