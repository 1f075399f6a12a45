package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/internal/session"
	"github.com/pitabwire/pulse/model"
)

// Producer is the inbound API for stage executors. Calls commit to the
// session store and return once the mutation is visible to Snapshot;
// delivery to observers and durable persistence happen afterwards and never
// fail the call. Only malformed input and illegal transitions are errors.
type Producer interface {
	ReportStart(ctx context.Context, tenantID, campaignID, stageID string) error
	ReportProgress(ctx context.Context, tenantID, campaignID, stageID string, progress int) error
	ReportComplete(ctx context.Context, tenantID, campaignID, stageID string, result model.StageResult) error
	ReportError(ctx context.Context, tenantID, campaignID, stageID, reason string) error
	ReportData(ctx context.Context, tenantID, campaignID, stageID string, result model.StageResult) error
	ReportLog(ctx context.Context, tenantID, campaignID, stageID, level, message string) error
	Finish(ctx context.Context, tenantID, campaignID string, outcome model.SessionStatus) error
}

var _ Producer = (*Service)(nil)

// ReportStart marks a stage running.
func (s *Service) ReportStart(ctx context.Context, tenantID, campaignID, stageID string) error {
	return s.produce(ctx, "session.stage_start", tenantID, campaignID, stageID,
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.StageStart(key, stageID)
		})
}

// ReportProgress records stage progress. Stale values are ignored.
func (s *Service) ReportProgress(ctx context.Context, tenantID, campaignID, stageID string, progress int) error {
	err := s.produce(ctx, "session.stage_progress", tenantID, campaignID, stageID,
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.StageProgress(key, stageID, progress)
		})
	if model.IsCode(err, model.ErrStaleProgress) {
		return nil
	}
	return err
}

// ReportComplete merges result into the session and marks the stage
// completed. Result contacts and messages are mirrored to durable storage.
func (s *Service) ReportComplete(ctx context.Context, tenantID, campaignID, stageID string, result model.StageResult) error {
	return s.produce(ctx, "session.stage_complete", tenantID, campaignID, stageID,
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.StageComplete(key, stageID, result)
		},
		attribute.Int("pulse.contacts", len(result.Contacts)),
		attribute.Int("pulse.messages", len(result.Messages)),
	)
}

// ReportError records a stage failure.
func (s *Service) ReportError(ctx context.Context, tenantID, campaignID, stageID, reason string) error {
	return s.produce(ctx, "session.stage_error", tenantID, campaignID, stageID,
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.StageError(key, stageID, reason)
		})
}

// ReportData streams partial results of a running stage. New contacts and
// messages are mirrored to durable storage as they arrive.
func (s *Service) ReportData(ctx context.Context, tenantID, campaignID, stageID string, result model.StageResult) error {
	return s.produce(ctx, "session.stage_data", tenantID, campaignID, stageID,
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.StageData(key, stageID, result)
		},
		attribute.Int("pulse.contacts", len(result.Contacts)),
		attribute.Int("pulse.messages", len(result.Messages)),
	)
}

// ReportLog forwards a stage log line to the session's observers. Lines for
// sessions the coordinator has never seen are dropped.
func (s *Service) ReportLog(ctx context.Context, tenantID, campaignID, stageID, level, message string) error {
	return s.produce(ctx, "session.stage_log", tenantID, campaignID, stageID,
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.StageLog(key, stageID, level, message)
		})
}

// Finish sets the session outcome.
func (s *Service) Finish(ctx context.Context, tenantID, campaignID string, outcome model.SessionStatus) error {
	return s.produce(ctx, "session.finish", tenantID, campaignID, "",
		func(key model.SessionKey) (session.Outcome, error) {
			return s.sessions.Finish(key, outcome)
		},
		attribute.String("pulse.outcome", string(outcome)),
	)
}

func (s *Service) produce(
	ctx context.Context,
	spanName, tenantID, campaignID, stageID string,
	apply func(model.SessionKey) (session.Outcome, error),
	attrs ...attribute.KeyValue,
) error {
	if s.closing.Load() {
		return errShuttingDown
	}
	key, err := sessionKey(tenantID, campaignID)
	if err != nil {
		return err
	}

	attrs = append(attrs,
		observability.AttrTenantID.String(key.TenantID),
		observability.AttrCampaignID.String(key.CampaignID),
	)
	if stageID != "" {
		attrs = append(attrs, observability.AttrStageID.String(stageID))
	}
	ctx, span := observability.StartSpan(ctx, spanName, attrs...)

	outcome, err := apply(key)
	span.SetAttributes(attribute.String("pulse.outcome_kind", string(outcome)))

	log := observability.RequestLogger(ctx, s.logger)
	fields := []zap.Field{
		zap.String("tenant_id", key.TenantID),
		zap.String("campaign_id", key.CampaignID),
		zap.String("stage_id", stageID),
		zap.String("outcome", string(outcome)),
	}
	switch {
	case err == nil:
		log.Debug(spanName, fields...)
		observability.EndSpanWithError(span, nil)
	case model.IsCode(err, model.ErrStaleProgress):
		log.Debug(spanName+" ignored", append(fields, zap.Error(err))...)
		observability.EndSpanWithError(span, nil)
	default:
		log.Warn(spanName+" rejected", append(fields, zap.Error(err))...)
		observability.EndSpanWithError(span, err)
	}
	return err
}
