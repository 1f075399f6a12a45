package durable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/model"
)

// Syncer mirrors extracted records from committed session events into a
// RecordStore. It implements session.Observer: OnCommit only enqueues, and a
// pool of workers performs the upserts with retry and backoff, so durable
// I/O never sits on the commit → dispatch path.
type Syncer struct {
	store   RecordStore
	cfg     config.SyncConfig
	breaker *Breaker
	queue   chan model.ExtractedRecord

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewSyncer creates a Syncer. Call Start to launch the workers.
func NewSyncer(store RecordStore, cfg config.SyncConfig, logger *zap.Logger, metrics *observability.Metrics) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}

	breaker := NewBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout)
	breaker.OnStateChange(func(s BreakerState) {
		metrics.SetSyncBreakerState(float64(s))
		if s == BreakerOpen {
			logger.Warn("durable sync circuit breaker opened")
		} else {
			logger.Info("durable sync circuit breaker state changed", zap.String("state", s.String()))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		store:   store,
		cfg:     cfg,
		breaker: breaker,
		queue:   make(chan model.ExtractedRecord, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
	}
}

// Start launches the workers. It is a no-op after the first call.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
}

// OnCommit enqueues the records carried by ev.
func (s *Syncer) OnCommit(ev model.SessionEvent) {
	for _, r := range ev.Records {
		s.Enqueue(r)
	}
}

// Enqueue queues r without blocking. A full queue drops the record and
// logs it; it reports whether r was queued.
func (s *Syncer) Enqueue(r model.ExtractedRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- r:
		return true
	default:
		s.metrics.RecordSyncDropped()
		s.logger.Warn("durable sync queue full, record dropped",
			zap.String("tenant_id", r.TenantID),
			zap.String("campaign_id", r.CampaignID),
			zap.String("kind", string(r.Kind)),
			zap.String("key", r.UniqueKey()),
		)
		return false
	}
}

// Breaker returns the sync circuit breaker.
func (s *Syncer) Breaker() *Breaker { return s.breaker }

// Close stops accepting records and waits for the queue to drain. If ctx
// ends first, in-flight retries are abandoned.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	started := s.started
	s.mu.Unlock()

	if !started {
		s.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Syncer) work() {
	defer s.wg.Done()
	for r := range s.queue {
		s.sync(r)
	}
}

// sync upserts one record, retrying transient failures. A conflict means
// the record is already stored and counts as success.
func (s *Syncer) sync(r model.ExtractedRecord) {
	ctx, span := observability.StartSpan(s.ctx, "durable.upsert",
		observability.AttrTenantID.String(r.TenantID),
		observability.AttrCampaignID.String(r.CampaignID),
		observability.AttrRecordKind.String(string(r.Kind)),
	)
	start := time.Now()
	kind := string(r.Kind)

	op := func() error {
		if err := s.breaker.Allow(); err != nil {
			return err
		}
		err := Upsert(ctx, s.store, r)
		switch {
		case err == nil:
			s.breaker.RecordSuccess()
			s.metrics.RecordSyncUpsert(kind, "stored", time.Since(start))
			return nil
		case model.IsCode(err, model.ErrDurableConflict):
			s.breaker.RecordSuccess()
			s.metrics.RecordSyncUpsert(kind, "conflict", time.Since(start))
			return nil
		case model.IsCode(err, model.ErrBadRequest):
			return backoff.Permanent(err)
		default:
			s.breaker.RecordFailure()
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval
	b.MaxElapsedTime = s.cfg.MaxElapsedTime

	notify := func(err error, wait time.Duration) {
		s.metrics.RecordSyncRetry()
		s.logger.Debug("durable upsert retry",
			zap.String("tenant_id", r.TenantID),
			zap.String("campaign_id", r.CampaignID),
			zap.String("key", r.UniqueKey()),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	observability.EndSpanWithError(span, err)
	if err == nil {
		return
	}

	s.metrics.RecordSyncUpsert(kind, "failed", time.Since(start))
	fields := []zap.Field{
		zap.String("tenant_id", r.TenantID),
		zap.String("campaign_id", r.CampaignID),
		zap.String("kind", kind),
		zap.String("key", r.UniqueKey()),
		zap.Error(err),
	}
	if model.IsCode(err, model.ErrBadRequest) || errors.Is(err, context.Canceled) {
		s.logger.Warn("durable upsert abandoned", fields...)
		return
	}
	s.logger.Error("durable upsert failed", fields...)
}
