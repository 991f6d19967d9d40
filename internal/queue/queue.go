package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Queue implements domain.JobQueue
var _ domain.JobQueue = (*Queue)(nil)

const (
	// Prefix keys for job records and the sequence counter
	prefixJobs = "job:"
	keySeq     = "seq:jobs"
)

// Config contains queue configuration
type Config struct {
	// Base directory for the queue database
	DataDir string

	// InMemory runs the database without disk persistence
	InMemory bool
}

// DefaultConfig returns a default queue configuration
func DefaultConfig() Config {
	return Config{
		DataDir: "./data/queue",
	}
}

// Record is the persisted form of one queued job.
type Record struct {
	Type       string                   `json:"type"`
	Job        *domain.SubscriptionJob  `json:"job"`
	Attempts   int                      `json:"attempts"`
	NotBefore  time.Time                `json:"notBefore"`
	EnqueuedAt time.Time                `json:"enqueuedAt"`
}

// Queue is a durable job queue backed by Badger. Jobs are keyed by a
// monotonic sequence so iteration order is enqueue order; records survive
// restarts and are replayed by the delivery worker.
type Queue struct {
	config  Config
	db      *badger.DB
	seq     *badger.Sequence
	wake    chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewQueue opens the queue database and restores the pending depth.
func NewQueue(config Config) (*Queue, error) {
	logger := log.With().Str("component", "queue").Logger()

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DataDir == "" {
			config.DataDir = DefaultConfig().DataDir
		}
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		options = badger.DefaultOptions(config.DataDir)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	seq, err := db.GetSequence([]byte(keySeq), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job sequence: %w", err)
	}

	q := &Queue{
		config:  config,
		db:      db,
		seq:     seq,
		wake:    make(chan struct{}, 1),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	depth := q.Depth()
	q.metrics.QueueDepth.Set(float64(depth))
	if depth > 0 {
		logger.Info().Int("pending", depth).Msg("Replaying pending jobs")
		q.notify()
	}

	return q, nil
}

// Enqueue persists a job at the tail of the queue and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, jobType string, job *domain.SubscriptionJob) error {
	record := Record{
		Type:       jobType,
		Job:        job,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}

	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to advance job sequence: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(n), payload)
	})
	if err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	q.metrics.QueueDepth.Inc()
	q.logger.Debug().
		Str("jobType", jobType).
		Str("subscription", job.SubscriptionID).
		Uint64("seq", n).
		Msg("Enqueued job")
	q.notify()
	return nil
}

// NextDue returns the first pending record due at or before now, in
// enqueue order, or nil when nothing is due.
func (q *Queue) NextDue(now time.Time) ([]byte, *Record, error) {
	var key []byte
	var record *Record
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixJobs)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixJobs)); it.Valid(); it.Next() {
			item := it.Item()
			var rec Record
			err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &rec)
			})
			if err != nil {
				return err
			}
			if rec.NotBefore.After(now) {
				continue
			}
			key = item.KeyCopy(nil)
			record = &rec
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return key, record, nil
}

// Ack removes a delivered or abandoned record.
func (q *Queue) Ack(key []byte) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	q.metrics.QueueDepth.Dec()
	return nil
}

// Retry rewrites a record with an incremented attempt count and a
// not-before time, keeping its position in the queue.
func (q *Queue) Retry(key []byte, record *Record, notBefore time.Time) error {
	record.Attempts++
	record.NotBefore = notBefore
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// Depth counts the pending records.
func (q *Queue) Depth() int {
	count := 0
	q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixJobs)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefixJobs)); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

// Wake signals the delivery worker that work may be due.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Close releases the sequence and closes the database.
func (q *Queue) Close() error {
	if err := q.seq.Release(); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to release job sequence")
	}
	return q.db.Close()
}

// notify wakes the worker without blocking.
func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// jobKey builds an order-preserving key from a sequence number.
func jobKey(n uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString(prefixJobs)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n)
	buf.Write(seq[:])
	return buf.Bytes()
}
