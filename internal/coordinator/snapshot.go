package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/model"
)

// Snapshot assembles the recovery view of a session: the in-memory state at
// the latest commit merged with the durable contacts and messages. An unknown
// session yields an idle snapshot with whatever the durable store holds.
//
// Durable reads are best-effort. When the store fails the snapshot carries
// the in-memory records only, which always include everything committed.
func (s *Service) Snapshot(ctx context.Context, tenantID, campaignID string) (model.Snapshot, error) {
	key, err := sessionKey(tenantID, campaignID)
	if err != nil {
		return model.Snapshot{}, err
	}

	ctx, span := observability.StartSpan(ctx, "coordinator.snapshot",
		observability.AttrTenantID.String(key.TenantID),
		observability.AttrCampaignID.String(key.CampaignID),
	)
	defer span.End()

	snap := model.Snapshot{
		TenantID:   key.TenantID,
		CampaignID: key.CampaignID,
		Status:     model.SessionIdle,
		Stages:     map[string]model.StageState{},
		Data:       map[string]any{},
	}

	// Session before durable: the in-memory records cover any sync lag.
	sess, ok := s.sessions.Get(key)
	if ok {
		snap.Status = sess.Status
		snap.Stages = sess.Stages
		snap.Data = sess.Data
		snap.Version = sess.Version
		snap.StartedAt = sess.StartedAt
		snap.EndedAt = sess.EndedAt
	}

	log := observability.RequestLogger(ctx, s.logger).With(
		zap.String("tenant_id", key.TenantID),
		zap.String("campaign_id", key.CampaignID),
	)

	contacts, err := s.records.ListContacts(ctx, key.TenantID, key.CampaignID)
	if err != nil {
		log.Warn("snapshot: durable contacts unavailable", zap.Error(err))
	}
	messages, err := s.records.ListMessages(ctx, key.TenantID, key.CampaignID)
	if err != nil {
		log.Warn("snapshot: durable messages unavailable", zap.Error(err))
	}

	snap.Contacts = unionContacts(contacts, sess.Contacts)
	snap.Messages = unionMessages(messages, sess.Messages)
	return snap, nil
}

// unionContacts returns durable followed by the in-memory contacts not yet
// stored, deduplicated by unique key.
func unionContacts(durable, memory []model.Contact) []model.Contact {
	out := make([]model.Contact, 0, len(durable)+len(memory))
	seen := make(map[string]bool, cap(out))
	for _, list := range [][]model.Contact{durable, memory} {
		for _, c := range list {
			k := c.UniqueKey()
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, c)
		}
	}
	return out
}

func unionMessages(durable, memory []model.Message) []model.Message {
	out := make([]model.Message, 0, len(durable)+len(memory))
	seen := make(map[string]bool, cap(out))
	for _, list := range [][]model.Message{durable, memory} {
		for _, m := range list {
			k := m.UniqueKey()
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, m)
		}
	}
	return out
}
