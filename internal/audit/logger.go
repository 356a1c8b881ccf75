package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediconnect-auth/internal/bucketing"
	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/util"
)

const queueDepth = 1024

// Sink is one destination for audit records. Writes are best effort;
// a sink failure is logged, never propagated to the request path.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *models.AuditRecord) error
}

// Logger records security events asynchronously. Callers enqueue after
// the durable effect of an operation; a full queue drops the record
// rather than stalling a login.
type Logger struct {
	queue   chan *models.AuditRecord
	sinks   []Sink
	buckets *bucketing.Manager

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewLogger(buckets *bucketing.Manager, sinks ...Sink) *Logger {
	l := &Logger{
		queue:   make(chan *models.AuditRecord, queueDepth),
		sinks:   sinks,
		buckets: buckets,
	}

	l.wg.Add(1)
	go l.worker()

	util.Info("audit logger started",
		zap.Int("sinks", len(sinks)),
		zap.Int("queue_depth", queueDepth))

	return l
}

// Record enqueues one event. Identity, bucket and timestamp fields are
// stamped here so call sites only describe the event itself.
func (l *Logger) Record(rec *models.AuditRecord) {
	if !models.ValidAction(rec.Action) {
		util.Error("dropping audit record with unknown action",
			zap.String("action", string(rec.Action)))
		return
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if l.buckets != nil {
		rec.Bucket = l.buckets.EventBucket(rec.AccountID)
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = RiskFor(rec.Action)
	}

	select {
	case l.queue <- rec:
	default:
		util.Warn("audit queue full, dropping record",
			zap.String("action", string(rec.Action)),
			zap.String("account_id", rec.AccountID))
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()

	for rec := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, sink := range l.sinks {
			if err := sink.Write(ctx, rec); err != nil {
				util.Error("audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("action", string(rec.Action)),
					zap.Error(err))
			}
		}
		cancel()
	}
}

// Close drains the queue and stops the worker.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
	})
	l.wg.Wait()
}
