// Package coordinator wires the connection registry, subscription index,
// session store, broadcast dispatcher and durable sync into one service. It
// is the single owner of that state: construct it once at startup and pass
// it to the transport and to in-process producers.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/internal/dispatch"
	"github.com/pitabwire/pulse/internal/durable"
	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/registry"
	"github.com/pitabwire/pulse/internal/session"
	"github.com/pitabwire/pulse/internal/subscription"
	"github.com/pitabwire/pulse/model"
)

// TokenVerifier checks an identity token presented on authenticate and
// returns the tenant it was issued for.
type TokenVerifier interface {
	VerifyTenant(ctx context.Context, token string) (string, error)
}

// Dependencies holds the collaborators injected into the service.
type Dependencies struct {
	Config   *config.Config
	Records  durable.RecordStore
	Verifier TokenVerifier
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Stats is the operator readout of service occupancy.
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Sessions      int `json:"sessions"`
	Subscriptions int `json:"subscriptions"`
	PendingEvents int `json:"pendingEvents"`
}

// Service is the workflow coordinator.
type Service struct {
	cfg        *config.Config
	conns      *registry.Registry
	subs       *subscription.Index
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	syncer     *durable.Syncer
	records    durable.RecordStore
	verifier   TokenVerifier
	closing    atomic.Bool

	logger  *zap.Logger
	metrics *observability.Metrics
}

// New builds the service and starts the durable sync workers. A nil record
// store falls back to an in-memory store; a nil verifier accepts the tenant
// id presented by the client.
func New(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	records := deps.Records
	if records == nil {
		records = durable.NewMemoryRecordStore()
	}

	subs := subscription.New(deps.Metrics)
	conns := registry.New(cfg.WebSocket.SendQueueSize, subs, logger.Named("registry"), deps.Metrics)
	dispatcher := dispatch.New(subs, conns, conns, logger.Named("dispatch"), deps.Metrics)
	syncer := durable.NewSyncer(records, cfg.Sync, logger.Named("sync"), deps.Metrics)
	sessions := session.NewStore(logger.Named("session"), deps.Metrics, dispatcher, syncer)

	syncer.Start()

	return &Service{
		cfg:        cfg,
		conns:      conns,
		subs:       subs,
		sessions:   sessions,
		dispatcher: dispatcher,
		syncer:     syncer,
		records:    records,
		verifier:   deps.Verifier,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// Registry returns the connection registry.
func (s *Service) Registry() *registry.Registry { return s.conns }

// Sessions returns the session store.
func (s *Service) Sessions() *session.Store { return s.sessions }

// Notice sends an operator notice to every connection. It is the only path
// allowed to reach connections regardless of tenant.
func (s *Service) Notice(level, message string) int {
	return s.dispatcher.Notice(level, message)
}

// Stats returns current occupancy.
func (s *Service) Stats() Stats {
	rs := s.conns.Stats()
	return Stats{
		Connections:   rs.Connections,
		Authenticated: rs.Authenticated,
		Sessions:      s.sessions.Len(),
		Subscriptions: s.subs.Len(),
		PendingEvents: s.dispatcher.Pending(),
	}
}

// Sweep applies the retention policies once: terminal sessions idle past
// sessions.ttl are evicted and connections silent past
// websocket.idle_timeout are dropped. Zero values disable each policy.
func (s *Service) Sweep() (sessions, connections int) {
	if ttl := s.cfg.Sessions.TTL; ttl > 0 {
		sessions = s.sessions.Sweep(ttl)
	}
	if idle := s.cfg.WebSocket.IdleTimeout; idle > 0 {
		for _, id := range s.conns.Idle(idle) {
			if s.conns.Deregister(id) {
				connections++
			}
		}
	}
	if sessions > 0 || connections > 0 {
		s.logger.Info("retention sweep",
			zap.Int("sessions_evicted", sessions),
			zap.Int("connections_dropped", connections),
		)
	}
	return sessions, connections
}

// RunSweeper calls Sweep every sessions.sweep_interval until ctx ends. It
// returns immediately when neither retention policy is enabled.
func (s *Service) RunSweeper(ctx context.Context) error {
	if s.cfg.Sessions.TTL <= 0 && s.cfg.WebSocket.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := s.cfg.Sessions.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

var errShuttingDown = model.NewDeliveryFailureError("coordinator is shutting down")

// Close stops accepting producer calls, drains queued dispatch events and
// durable upserts, then drops every connection. It does not close the record
// store.
func (s *Service) Close(ctx context.Context) error {
	s.closing.Store(true)
	var errs []error
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.syncer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.conns.Close()
	return errors.Join(errs...)
}

// sessionKey validates and normalizes a (tenant, campaign) pair.
func sessionKey(tenantID, campaignID string) (model.SessionKey, error) {
	tenant, err := model.ValidateTenantID(tenantID)
	if err != nil {
		return model.SessionKey{}, err
	}
	campaign := strings.TrimSpace(campaignID)
	if campaign == "" {
		return model.SessionKey{}, model.NewBadRequestError("campaign id is required")
	}
	return model.SessionKey{TenantID: tenant, CampaignID: campaign}, nil
}
