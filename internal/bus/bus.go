package bus

import (
	"context"
	"sync"

	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message is one delivery to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Config contains bus configuration
type Config struct {
	// Maximum buffer size for subscriber delivery channels
	MaxBufferSize int
}

// DefaultConfig returns a default bus configuration
func DefaultConfig() Config {
	return Config{
		MaxBufferSize: 100,
	}
}

// Bus is the process-wide publish/subscribe primitive keyed by channel
// name. Channel names are plain strings; correlation tokens and agent
// references are used as channel names directly. Safe for concurrent
// subscribe and publish from independent callers.
type Bus struct {
	config      Config
	subscribers map[string]*Subscriber          // subscriber ID -> subscriber
	channelSubs map[string]map[string]struct{}  // channel -> set of subscriber IDs
	mu          sync.RWMutex
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewBus creates a new bus
func NewBus(config ...Config) *Bus {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}

	logger := log.With().Str("component", "bus").Logger()

	return &Bus{
		config:      cfg,
		subscribers: make(map[string]*Subscriber),
		channelSubs: make(map[string]map[string]struct{}),
		logger:      logger,
		metrics:     metrics.GetMetrics(),
	}
}

// Publish delivers the payload to every subscriber of the channel and
// returns the number of deliveries. Publishing to a channel with no
// subscribers is a silent no-op.
func (b *Bus) Publish(channel string, payload []byte) int {
	b.mu.RLock()
	subIDs, ok := b.channelSubs[channel]
	if !ok {
		b.mu.RUnlock()
		return 0
	}

	// Snapshot subscribers to avoid holding the lock during delivery
	subs := make([]*Subscriber, 0, len(subIDs))
	for id := range subIDs {
		if sub, ok := b.subscribers[id]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.queue <- Message{Channel: channel, Payload: payload}:
			delivered++
			b.metrics.BusDeliveredTotal.Inc()
		default:
			b.metrics.BusDroppedTotal.Inc()
			b.logger.Warn().
				Str("subscriber_id", sub.id).
				Str("channel", channel).
				Msg("Subscriber buffer full, dropping message")
		}
	}
	return delivered
}

// Subscriber creates a new, unattached subscriber handle. The handle
// delivers messages to its registered callback until closed.
func (b *Bus) Subscriber() *Subscriber {
	sub := &Subscriber{
		id:       generateID(),
		bus:      b,
		channels: make(map[string]struct{}),
		queue:    make(chan Message, b.config.MaxBufferSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.metrics.BusSubscribersActive.Inc()

	go sub.pump()
	return sub
}

// Shutdown closes all subscribers and clears the channel table.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down bus")

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// Subscriber is a handle onto the bus. One subscriber can listen on any
// number of channels and receives all their messages through a single
// callback, in delivery order.
type Subscriber struct {
	id        string
	bus       *Bus
	mu        sync.Mutex
	channels  map[string]struct{}
	callback  func(channel string, payload []byte)
	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// OnMessage registers the delivery callback. Messages arriving before a
// callback is registered are buffered up to the bus buffer size.
func (s *Subscriber) OnMessage(callback func(channel string, payload []byte)) {
	s.mu.Lock()
	s.callback = callback
	s.mu.Unlock()
}

// Subscribe attaches the handle to the named channels. When Subscribe
// returns, subsequent publishes on those channels are guaranteed to be
// delivered to this handle.
func (s *Subscriber) Subscribe(channels ...string) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, channel := range channels {
		s.channels[channel] = struct{}{}
		if _, ok := s.bus.channelSubs[channel]; !ok {
			s.bus.channelSubs[channel] = make(map[string]struct{})
		}
		s.bus.channelSubs[channel][s.id] = struct{}{}
	}
}

// Unsubscribe detaches the handle from the named channels.
func (s *Subscriber) Unsubscribe(channels ...string) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, channel := range channels {
		delete(s.channels, channel)
		s.detachLocked(channel)
	}
}

// Close detaches the handle from all channels and stops delivery. It is
// idempotent and safe to call on a handle that never subscribed.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		s.mu.Lock()
		for channel := range s.channels {
			s.detachLocked(channel)
		}
		s.channels = make(map[string]struct{})
		delete(s.bus.subscribers, s.id)
		s.mu.Unlock()
		s.bus.mu.Unlock()

		close(s.done)
		s.bus.metrics.BusSubscribersActive.Dec()
	})
}

// detachLocked removes the subscriber from one channel entry. Both the
// bus lock and the subscriber lock must be held.
func (s *Subscriber) detachLocked(channel string) {
	if subs, ok := s.bus.channelSubs[channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.channelSubs, channel)
		}
	}
}

// pump drains the delivery queue into the callback until the handle is
// closed.
func (s *Subscriber) pump() {
	for {
		select {
		case msg := <-s.queue:
			s.mu.Lock()
			callback := s.callback
			s.mu.Unlock()
			if callback != nil {
				callback(msg.Channel, msg.Payload)
			}
		case <-s.done:
			return
		}
	}
}

// Variable for generating unique subscriber IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
