package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/rollup-boost/database"
	"github.com/flashbots/rollup-boost/datastore"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

var (
	auditQueueSize     = cli.GetEnvInt("AUDIT_QUEUE_SIZE", 1000)
	auditWriteTimeout  = time.Duration(cli.GetEnvInt("AUDIT_WRITE_TIMEOUT_MS", 2000)) * time.Millisecond
	auditDrainDeadline = 5 * time.Second
)

// AuditRecorder persists delivered payloads off the hot path. Events are queued
// and dropped with a warning when the queue is full.
type AuditRecorder struct {
	log   *logrus.Entry
	db    database.IDatabaseService
	redis *datastore.RedisCache

	queue   chan DeliveryEvent
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	dropped uberatomic.Uint64
}

// NewAuditRecorder creates a recorder. Either db or redis may be nil.
func NewAuditRecorder(log *logrus.Entry, db database.IDatabaseService, redis *datastore.RedisCache) *AuditRecorder {
	return &AuditRecorder{
		log:   log.WithField("component", "auditRecorder"),
		db:    db,
		redis: redis,
		queue: make(chan DeliveryEvent, auditQueueSize),
	}
}

// Record queues ev, it is a DeliveryListener
func (r *AuditRecorder) Record(ev DeliveryEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.log.WithField("dropped", r.dropped.Inc()).Warn("audit queue full, dropping delivered payload")
	}
}

// Start runs the writer until Stop
func (r *AuditRecorder) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range r.queue {
			r.write(ev)
		}
	}()
}

// Stop closes the queue and waits for queued events to be written
func (r *AuditRecorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(auditDrainDeadline):
		r.log.Warn("audit recorder did not drain in time")
	}
}

func (r *AuditRecorder) write(ev DeliveryEvent) {
	log := r.log.WithField("payloadId", ev.PayloadID.String())

	if r.db != nil {
		var builderValue *string
		if ev.BuilderValue != nil {
			v := ev.BuilderValue.ToInt().String()
			builderValue = &v
		}
		entry := database.DeliveredPayloadToEntry(ev.PayloadID, ev.BuilderPayloadID, ev.Source, ev.FallbackReason, ev.Envelope, builderValue)
		if err := r.db.SaveDeliveredPayload(entry); err != nil {
			log.WithError(err).Error("failed to save delivered payload to database")
		}
	}

	if r.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if _, err := r.redis.IncPayloadStat(ctx, ev.Source.String()); err != nil {
			log.WithError(err).Error("failed to update payload stats in redis")
		}
		if ev.FallbackReason != "" {
			if _, err := r.redis.IncPayloadStat(ctx, "fallback:"+ev.FallbackReason); err != nil {
				log.WithError(err).Error("failed to update payload stats in redis")
			}
		}
	}
}
