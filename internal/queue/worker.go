package queue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/DevJoghurt/fhir-relay/internal/relayerr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Retry delays per attempt. Past the end of the table the last delay
// repeats until the attempt cap drops the job.
var backoffDelays = []time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	3 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
}

// WorkerConfig contains delivery worker configuration
type WorkerConfig struct {
	// MaxAttempts before a job is dropped
	MaxAttempts int

	// RequestTimeout for one outbound delivery
	RequestTimeout time.Duration

	// PollInterval between due-job scans when no enqueue wakes the worker
	PollInterval time.Duration
}

// DefaultWorkerConfig returns a default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxAttempts:    8,
		RequestTimeout: 30 * time.Second,
		PollInterval:   time.Second,
	}
}

// Worker drains the durable queue and performs outbound deliveries.
// Rest-hook jobs become signed HTTP POSTs; failures are rescheduled with
// a staircase backoff until the attempt cap.
type Worker struct {
	config  WorkerConfig
	queue   *Queue
	store   domain.Store
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewWorker creates a new delivery worker
func NewWorker(config WorkerConfig, queue *Queue, store domain.Store) *Worker {
	defaults := DefaultWorkerConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	logger := log.With().Str("component", "queue-worker").Logger()

	return &Worker{
		config:  config,
		queue:   queue,
		store:   store,
		client:  &http.Client{Timeout: config.RequestTimeout},
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Start runs the delivery loop until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	go w.run(ctx)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Wake():
		case <-ticker.C:
		}
	}
}

// drain processes every due record once.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		key, record, err := w.queue.NextDue(time.Now())
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to scan queue")
			return
		}
		if record == nil {
			return
		}
		w.process(ctx, key, record)
	}
}

// process delivers one record and acks, retries or drops it.
func (w *Worker) process(ctx context.Context, key []byte, record *Record) {
	job := record.Job
	logger := w.logger.With().
		Str("subscription", job.SubscriptionID).
		Str("resource", job.ResourceType+"/"+job.ID).
		Int("attempts", record.Attempts).
		Logger()

	sub, err := w.store.ReadSubscription(ctx, job.SubscriptionID)
	if err != nil {
		if relayerr.IsKind(err, relayerr.KindNotFound) {
			logger.Debug().Msg("Subscription gone, dropping job")
			w.ack(key, "dropped")
			return
		}
		logger.Warn().Err(err).Msg("Failed to read subscription, will retry")
		w.reschedule(key, record, logger)
		return
	}
	if sub.Status != domain.SubscriptionActive {
		logger.Debug().Str("status", string(sub.Status)).Msg("Subscription no longer active, dropping job")
		w.ack(key, "dropped")
		return
	}

	switch sub.Channel.Type {
	case domain.ChannelRestHook:
		err = w.deliverWebhook(ctx, sub, job)
	default:
		// Email and SMS transports are handled by external gateways.
		logger.Info().Str("channelType", string(sub.Channel.Type)).Msg("No local transport for channel, dropping job")
		w.ack(key, "dropped")
		return
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Delivery failed")
		if record.Attempts+1 >= w.config.MaxAttempts {
			logger.Error().Msg("Attempt cap reached, dropping job")
			w.ack(key, "exhausted")
			return
		}
		w.reschedule(key, record, logger)
		return
	}

	w.ack(key, "ok")
}

// deliverWebhook posts the notification payload to the channel endpoint,
// signing it when the channel carries a secret.
func (w *Worker) deliverWebhook(ctx context.Context, sub *domain.Subscription, job *domain.SubscriptionJob) error {
	payload, err := w.payload(ctx, job)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Channel.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	for name, value := range sub.Channel.Header {
		req.Header.Set(name, value)
	}
	if sub.Channel.Secret != "" {
		req.Header.Set("X-Signature", signPayload(payload, sub.Channel.Secret))
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	w.metrics.QueueDeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// payload builds the delivery body: the current resource document when it
// still exists, otherwise the job record itself (deletes).
func (w *Worker) payload(ctx context.Context, job *domain.SubscriptionJob) ([]byte, error) {
	resource, err := w.store.ReadResource(ctx, job.ResourceType, job.ID)
	if err == nil && resource != nil {
		if len(resource.Body) > 0 {
			return resource.Body, nil
		}
		return json.Marshal(resource)
	}
	if err != nil && !relayerr.IsKind(err, relayerr.KindNotFound) {
		return nil, fmt.Errorf("failed to read resource for delivery: %w", err)
	}
	return json.Marshal(job)
}

func (w *Worker) ack(key []byte, result string) {
	if err := w.queue.Ack(key); err != nil {
		w.logger.Error().Err(err).Msg("Failed to ack job")
		return
	}
	w.metrics.QueueDeliveriesTotal.WithLabelValues(result).Inc()
}

func (w *Worker) reschedule(key []byte, record *Record, logger zerolog.Logger) {
	delay := backoffDelay(record.Attempts + 1)
	if err := w.queue.Retry(key, record, time.Now().Add(delay)); err != nil {
		logger.Error().Err(err).Msg("Failed to reschedule job")
		return
	}
	w.metrics.QueueDeliveriesTotal.WithLabelValues("retried").Inc()
	logger.Debug().Dur("delay", delay).Msg("Rescheduled job")
}

// backoffDelay returns the staircase delay before the given 1-indexed
// attempt.
func backoffDelay(attempt int) time.Duration {
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(backoffDelays) {
		index = len(backoffDelays) - 1
	}
	return backoffDelays[index]
}

// signPayload produces the "sha256=<hex>" HMAC signature of the payload.
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
