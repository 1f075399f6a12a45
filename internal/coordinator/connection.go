package coordinator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/protocol"
	"github.com/pitabwire/pulse/internal/registry"
	"github.com/pitabwire/pulse/model"
)

// Connect registers a new observer connection and queues its welcome frame.
func (s *Service) Connect(t registry.Transport) *registry.Connection {
	c := s.conns.Register(t)
	s.send(c.ID(), protocol.Connected{ConnectionID: c.ID()})
	return c
}

// Disconnect removes a connection and all its subscriptions. It is
// idempotent.
func (s *Service) Disconnect(connectionID string) bool {
	return s.conns.Deregister(connectionID)
}

// Authenticate binds a tenant to the connection and answers with an
// authenticated or authError frame. When a TokenVerifier is configured the
// token must be valid and issued for tenantID; an empty tenantID takes the
// token's tenant.
func (s *Service) Authenticate(ctx context.Context, connectionID, tenantID, token string) (string, error) {
	tenant, err := s.authenticate(ctx, connectionID, tenantID, token)
	if err != nil {
		code := model.CodeOf(err)
		reason := "authentication failed"
		if e, ok := model.AsEnvelope(err); ok {
			reason = e.Message
		}
		observability.ConnectionLogger(s.logger, connectionID, "").Warn("authentication rejected",
			zap.String("code", code),
			zap.Error(err),
		)
		s.send(connectionID, protocol.AuthError{Code: code, Reason: reason})
		return "", err
	}

	observability.ConnectionLogger(s.logger, connectionID, tenant).Info("connection authenticated")
	s.send(connectionID, protocol.Authenticated{TenantID: tenant})
	return tenant, nil
}

func (s *Service) authenticate(ctx context.Context, connectionID, tenantID, token string) (string, error) {
	if s.verifier != nil {
		if strings.TrimSpace(token) == "" {
			return "", model.NewUnauthenticatedError("identity token is required")
		}
		claimed, err := s.verifier.VerifyTenant(ctx, token)
		if err != nil {
			if _, ok := model.AsEnvelope(err); ok {
				return "", err
			}
			return "", model.NewUnauthenticatedError("invalid identity token")
		}
		requested := strings.TrimSpace(tenantID)
		if requested == "" {
			tenantID = claimed
		} else if requested != strings.TrimSpace(claimed) {
			return "", model.NewInvalidTenantError("tenant does not match the identity token")
		}
	}
	return s.conns.Authenticate(connectionID, tenantID)
}

// Subscribe admits an authenticated connection to a session's updates and
// immediately queues a snapshot of it. An empty tenantID means the
// connection's own tenant; any other tenant is rejected.
func (s *Service) Subscribe(ctx context.Context, connectionID, tenantID, campaignID string) (model.Snapshot, error) {
	tenant, err := s.authorize(connectionID, tenantID)
	if err != nil {
		return model.Snapshot{}, err
	}
	key, err := sessionKey(tenant, campaignID)
	if err != nil {
		return model.Snapshot{}, err
	}

	added, err := s.subs.Add(connectionID, key)
	if err != nil {
		return model.Snapshot{}, err
	}
	// Deregister removes the connection before pruning, so a subscription
	// added after the prune is caught here.
	if _, ok := s.conns.Get(connectionID); !ok {
		s.subs.RemoveConnection(connectionID)
		return model.Snapshot{}, model.NewUnknownConnectionError(connectionID)
	}

	snap, err := s.Snapshot(ctx, key.TenantID, key.CampaignID)
	if err != nil {
		return model.Snapshot{}, err
	}
	s.send(connectionID, protocol.Snapshot{Snapshot: snap})

	observability.ConnectionLogger(s.logger, connectionID, tenant).Debug("subscribed",
		zap.String("campaign_id", key.CampaignID),
		zap.Bool("new", added),
		zap.Uint64("version", snap.Version),
	)
	return snap, nil
}

// Unsubscribe removes the connection from one campaign's updates and
// confirms with an unsubscribed frame. Other subscriptions are unaffected.
func (s *Service) Unsubscribe(connectionID, campaignID string) error {
	if _, err := s.authorize(connectionID, ""); err != nil {
		return err
	}
	campaign := strings.TrimSpace(campaignID)
	if campaign == "" {
		return model.NewBadRequestError("campaign id is required")
	}
	s.subs.Remove(connectionID, campaign)
	s.send(connectionID, protocol.Unsubscribed{CampaignID: campaign})
	return nil
}

// RequestSnapshot queues a snapshot of one of the connection's own tenant
// sessions. Reconnecting observers use it to resynchronize.
func (s *Service) RequestSnapshot(ctx context.Context, connectionID, tenantID, campaignID string) error {
	tenant, err := s.authorize(connectionID, tenantID)
	if err != nil {
		return err
	}
	snap, err := s.Snapshot(ctx, tenant, campaignID)
	if err != nil {
		return err
	}
	s.send(connectionID, protocol.Snapshot{Snapshot: snap})
	return nil
}

// Heartbeat records activity and answers with heartbeatAck.
func (s *Service) Heartbeat(connectionID string) {
	s.conns.Touch(connectionID)
	s.send(connectionID, protocol.HeartbeatAck{At: time.Now().UTC()})
}

// HandleFrame decodes one inbound frame and applies it. Refused operations
// are answered with an error frame; authentication failures with authError.
func (s *Service) HandleFrame(ctx context.Context, connectionID string, data []byte) {
	s.conns.Touch(connectionID)

	log := observability.ConnectionLogger(s.logger, connectionID, "")
	if ce := log.Check(zap.DebugLevel, "frame received"); ce != nil {
		ce.Write(zap.Any("frame", observability.RedactFrame(data)))
	}

	f, err := protocol.DecodeClientFrame(data)
	if err != nil {
		s.metrics.RecordFrame("in", "invalid")
		s.send(connectionID, protocol.ErrorFrame(err))
		return
	}
	s.metrics.RecordFrame("in", f.Type)

	switch f.Type {
	case protocol.TypeAuthenticate:
		_, _ = s.Authenticate(ctx, connectionID, f.TenantID, f.Token)
		return
	case protocol.TypeSubscribe:
		_, err = s.Subscribe(ctx, connectionID, f.TenantID, f.CampaignID)
	case protocol.TypeUnsubscribe:
		err = s.Unsubscribe(connectionID, f.CampaignID)
	case protocol.TypeRequestSnapshot:
		err = s.RequestSnapshot(ctx, connectionID, f.TenantID, f.CampaignID)
	case protocol.TypeHeartbeat:
		s.Heartbeat(connectionID)
	}

	if err != nil {
		log.Debug("frame refused",
			zap.String("type", f.Type),
			zap.Error(err),
		)
		s.send(connectionID, protocol.ErrorFrame(err))
	}
}

// authorize returns the connection's tenant, checking that a requested
// tenant, if any, is that tenant.
func (s *Service) authorize(connectionID, tenantID string) (string, error) {
	c, ok := s.conns.Get(connectionID)
	if !ok {
		return "", model.NewUnknownConnectionError(connectionID)
	}
	tenant := c.TenantID()
	if tenant == "" {
		return "", model.NewUnauthenticatedError("authenticate before subscribing")
	}
	if strings.TrimSpace(tenantID) == "" {
		return tenant, nil
	}
	requested, err := model.ValidateTenantID(tenantID)
	if err != nil {
		return "", err
	}
	if requested != tenant {
		return "", model.NewInvalidTenantError("tenant does not match the authenticated tenant")
	}
	return tenant, nil
}

func (s *Service) send(connectionID string, f protocol.Frame) bool {
	msg, err := protocol.Encode(f)
	if err != nil {
		s.logger.Error("frame encode failed",
			zap.String("connection_id", connectionID),
			zap.String("type", f.FrameType()),
			zap.Error(err),
		)
		msg = protocol.MustEncode(protocol.ErrorFrame(model.NewInternalError()))
	}
	return s.conns.Send(connectionID, msg)
}
