package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTimeout is returned when no response arrives before the
	// exchange's timer fires
	ErrTimeout = errors.New("timeout awaiting correlated response")

	// ErrReaped is returned for exchanges still pending at shutdown
	ErrReaped = errors.New("exchange reaped on shutdown")
)

// Config contains registry configuration
type Config struct {
	// Timeout applied when an exchange does not specify one
	DefaultTimeout time.Duration
}

// DefaultConfig returns a default registry configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Second,
	}
}

// Registry tracks in-flight request/response exchanges by correlation
// token. Each exchange owns one bus subscription on its token channel and
// resolves or times out exactly once; the subscription is released on
// every exit path.
type Registry struct {
	config  Config
	bus     *bus.Bus
	mu      sync.Mutex
	pending map[string]*PendingExchange
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a new correlation registry
func NewRegistry(config Config, b *bus.Bus) *Registry {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	logger := log.With().Str("component", "correlation").Logger()

	return &Registry{
		config:  config,
		bus:     b,
		pending: make(map[string]*PendingExchange),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Register subscribes to the token channel and arms the timeout timer.
// The subscription is attached before Register returns, so a caller may
// publish its request immediately afterward without racing a fast
// responder. A timeout <= 0 selects the registry default.
func (r *Registry) Register(token string, timeout time.Duration) *PendingExchange {
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}

	px := &PendingExchange{
		token:    token,
		registry: r,
		result:   make(chan outcome, 1),
	}

	sub := r.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		px.finish(payload, nil, "resolved")
	})
	sub.Subscribe(token)
	px.sub = sub

	r.mu.Lock()
	r.pending[token] = px
	r.mu.Unlock()
	r.metrics.CorrelationPending.Inc()

	px.timer = time.AfterFunc(timeout, func() {
		px.finish(nil, ErrTimeout, "timeout")
	})

	return px
}

// remove forgets a settled exchange.
func (r *Registry) remove(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
	r.metrics.CorrelationPending.Dec()
}

// Shutdown reaps every pending exchange. Reaped callers receive ErrReaped
// and their subscriptions are released.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]*PendingExchange, 0, len(r.pending))
	for _, px := range r.pending {
		pending = append(pending, px)
	}
	r.mu.Unlock()

	if len(pending) > 0 {
		r.logger.Info().Int("pending", len(pending)).Msg("Reaping pending exchanges")
	}
	for _, px := range pending {
		px.finish(nil, ErrReaped, "reaped")
	}
	return nil
}

// outcome is the terminal state of one exchange.
type outcome struct {
	payload []byte
	err     error
}

// PendingExchange is one in-flight correlated exchange. Exactly one of
// {resolved, timed out, reaped} occurs; cleanup is idempotent against a
// message and the timer racing.
type PendingExchange struct {
	token    string
	registry *Registry
	sub      *bus.Subscriber
	timer    *time.Timer
	once     sync.Once
	result   chan outcome
}

// Token returns the correlation token of the exchange.
func (p *PendingExchange) Token() string {
	return p.token
}

// Await blocks until the exchange settles or the context is canceled.
// Cancellation settles the exchange itself, so the subscription is still
// released exactly once.
func (p *PendingExchange) Await(ctx context.Context) ([]byte, error) {
	select {
	case o := <-p.result:
		return o.payload, o.err
	case <-ctx.Done():
		p.finish(nil, ctx.Err(), "canceled")
		o := <-p.result
		return o.payload, o.err
	}
}

// finish settles the exchange. The first caller wins; the losing path is
// a no-op. The timer is stopped and the bus subscription closed on every
// branch.
func (p *PendingExchange) finish(payload []byte, err error, label string) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.sub.Close()
		p.registry.remove(p.token)
		p.registry.metrics.CorrelationExchangeTotal.WithLabelValues(label).Inc()
		p.result <- outcome{payload: payload, err: err}
	})
}
