// Package session holds the authoritative in-memory state machine for every
// campaign workflow. Mutations to one session are serialized; independent
// sessions mutate concurrently. Every committed mutation is handed to the
// registered observers before the session lock is released, so observers see
// events in commit order.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/model"
)

// Observer receives committed session events. OnCommit is called with the
// session lock held and must not block: implementations enqueue and return.
type Observer interface {
	OnCommit(ev model.SessionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev model.SessionEvent)

// OnCommit calls f(ev).
func (f ObserverFunc) OnCommit(ev model.SessionEvent) { f(ev) }

// Outcome describes what a producer call did to the session.
type Outcome string

// Outcomes.
const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

type entry struct {
	mu      sync.RWMutex
	session model.WorkflowSession
	evicted bool
}

// Store is the Workflow Session Store. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[model.SessionKey]*entry
	// retired holds the final status and version of evicted sessions so a
	// later call for the same key resumes from them instead of from idle.
	retired map[model.SessionKey]model.WorkflowSession

	observers []Observer
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewStore creates an empty Store. Observers are notified in the order given.
func NewStore(logger *zap.Logger, metrics *observability.Metrics, observers ...Observer) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions:  make(map[model.SessionKey]*entry),
		retired:   make(map[model.SessionKey]model.WorkflowSession),
		observers: observers,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StageStart marks stageID running with progress 0, creating the session if
// absent. Starting a stage that is already running is ignored; starting a
// terminal stage, or any stage of a finished session, is rejected.
func (s *Store) StageStart(key model.SessionKey, stageID string) (Outcome, error) {
	if err := validateStage(key, stageID); err != nil {
		return s.rejected("start", err)
	}

	return s.mutate("start", key, true, func(sess *model.WorkflowSession, now time.Time) ([]model.SessionEvent, error) {
		if sess.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("session %s is already %s", key, sess.Status),
			)
		}
		st, exists := sess.Stages[stageID]
		if exists && st.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("stage %q is already %s", stageID, st.Status),
			)
		}
		if exists && st.Status == model.StageRunning {
			return nil, nil
		}

		var events []model.SessionEvent
		if sess.Status == model.SessionIdle {
			sess.Status = model.SessionRunning
			sess.StartedAt = &now
			events = append(events, statusEvent(key, sess.Status))
		}

		st = model.StageState{Status: model.StageRunning, Progress: 0, StartedAt: &now}
		sess.Stages[stageID] = st
		return append(events, stageEvent(key, stageID, st, nil)), nil
	})
}

// StageProgress records progress for a running stage. Values above 100 are
// clamped. Calls for stages that are not running, and repeated values, are
// ignored. A value below the current progress is a STALE_PROGRESS error with
// an ignored outcome; it is never broadcast.
func (s *Store) StageProgress(key model.SessionKey, stageID string, pct int) (Outcome, error) {
	if err := validateStage(key, stageID); err != nil {
		return s.rejected("progress", err)
	}
	pct = min(max(pct, 0), 100)

	return s.mutate("progress", key, false, func(sess *model.WorkflowSession, _ time.Time) ([]model.SessionEvent, error) {
		st, exists := sess.Stages[stageID]
		if !exists || st.Status != model.StageRunning || pct == st.Progress {
			return nil, nil
		}
		if pct < st.Progress {
			return nil, model.NewStaleProgressError(
				fmt.Sprintf("stage %q progress %d is below current %d", stageID, pct, st.Progress),
			)
		}
		st.Progress = pct
		sess.Stages[stageID] = st
		return []model.SessionEvent{stageEvent(key, stageID, st, nil)}, nil
	})
}

// StageComplete merges result into the session and marks the stage
// completed, in that order, before any observer sees the event. A stage that
// was never started is started and completed in one step.
func (s *Store) StageComplete(key model.SessionKey, stageID string, result model.StageResult) (Outcome, error) {
	if err := validateStage(key, stageID); err != nil {
		return s.rejected("complete", err)
	}

	return s.mutate("complete", key, true, func(sess *model.WorkflowSession, now time.Time) ([]model.SessionEvent, error) {
		st, events, err := s.terminalStage(sess, key, stageID, now)
		if err != nil {
			return nil, err
		}

		mergeStageData(sess.Data, stageID, result.Data)
		sess.Contacts, _ = mergeContacts(sess.Contacts, result.Contacts)
		sess.Messages, _ = mergeMessages(sess.Messages, result.Messages)

		st.Status = model.StageCompleted
		st.Progress = 100
		st.EndedAt = &now
		st.Result = model.CloneMap(result.Data)
		sess.Stages[stageID] = st

		return append(events, stageEvent(key, stageID, st, result.Records(key))), nil
	})
}

// StageError records a stage failure. Other stages of the session are
// unaffected.
func (s *Store) StageError(key model.SessionKey, stageID, reason string) (Outcome, error) {
	if err := validateStage(key, stageID); err != nil {
		return s.rejected("error", err)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "stage failed"
	}

	return s.mutate("error", key, true, func(sess *model.WorkflowSession, now time.Time) ([]model.SessionEvent, error) {
		st, events, err := s.terminalStage(sess, key, stageID, now)
		if err != nil {
			return nil, err
		}
		st.Status = model.StageError
		st.EndedAt = &now
		st.Error = reason
		sess.Stages[stageID] = st
		return append(events, stageEvent(key, stageID, st, nil)), nil
	})
}

// StageData merges a partial result into a running stage and publishes what
// it added as a stageData event. Contacts and messages already held by the
// session are dropped from the event. A stage that was never started is
// started first; a report with nothing new is ignored.
func (s *Store) StageData(key model.SessionKey, stageID string, result model.StageResult) (Outcome, error) {
	if err := validateStage(key, stageID); err != nil {
		return s.rejected("data", err)
	}

	return s.mutate("data", key, true, func(sess *model.WorkflowSession, now time.Time) ([]model.SessionEvent, error) {
		if err := checkOpenSession(sess, key, stageID); err != nil {
			return nil, err
		}
		st, exists := sess.Stages[stageID]
		if exists && st.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("stage %q is already %s", stageID, st.Status),
			)
		}

		var events []model.SessionEvent
		if !exists {
			if sess.Status == model.SessionIdle {
				sess.Status = model.SessionRunning
				sess.StartedAt = &now
				events = append(events, statusEvent(key, sess.Status))
			}
			st = model.StageState{Status: model.StageRunning, StartedAt: &now}
			sess.Stages[stageID] = st
			events = append(events, stageEvent(key, stageID, st, nil))
		}

		var delta model.StageResult
		if len(result.Data) > 0 {
			delta.Data = model.CloneMap(result.Data)
			mergeStageData(sess.Data, stageID, result.Data)
		}
		sess.Contacts, delta.Contacts = mergeContacts(sess.Contacts, result.Contacts)
		sess.Messages, delta.Messages = mergeMessages(sess.Messages, result.Messages)
		if delta.Data == nil && len(delta.Contacts) == 0 && len(delta.Messages) == 0 {
			return events, nil
		}

		return append(events, model.SessionEvent{
			Kind:    model.EventStageData,
			Key:     key,
			StageID: stageID,
			Delta:   delta,
			Records: delta.Records(key),
		}), nil
	})
}

// Log levels accepted by StageLog.
var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// StageLog publishes a producer log line for stageID. Log lines change no
// session state: they do not advance the version and are never replayed in
// snapshots. Lines for unknown sessions are ignored; lines for finished
// sessions are rejected.
func (s *Store) StageLog(key model.SessionKey, stageID, level, message string) (Outcome, error) {
	if err := validateStage(key, stageID); err != nil {
		return s.rejected("log", err)
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	if !logLevels[level] {
		return s.rejected("log", model.NewBadRequestError(
			fmt.Sprintf("log level %q is not one of debug, info, warn, error", level),
		))
	}
	if strings.TrimSpace(message) == "" {
		return s.rejected("log", model.NewBadRequestError("log message is required"))
	}

	return s.mutate("log", key, false, func(sess *model.WorkflowSession, _ time.Time) ([]model.SessionEvent, error) {
		if sess.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("session %s is already %s", key, sess.Status),
			)
		}
		return []model.SessionEvent{{
			Kind:    model.EventStageLog,
			Key:     key,
			StageID: stageID,
			Log:     model.LogEntry{Level: level, Message: message},
		}}, nil
	})
}

// checkOpenSession rejects a stage event for a finished session unless the
// stage is still running.
func checkOpenSession(sess *model.WorkflowSession, key model.SessionKey, stageID string) error {
	if !sess.Status.Terminal() {
		return nil
	}
	if st, ok := sess.Stages[stageID]; ok && st.Status == model.StageRunning {
		return nil
	}
	return model.NewInvalidTransitionError(
		fmt.Sprintf("session %s is already %s", key, sess.Status),
	)
}

// terminalStage returns the stage about to become terminal, starting it
// implicitly when it was never started.
func (s *Store) terminalStage(sess *model.WorkflowSession, key model.SessionKey, stageID string, now time.Time) (model.StageState, []model.SessionEvent, error) {
	st, exists := sess.Stages[stageID]
	if exists && st.Status.Terminal() {
		return st, nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q is already %s", stageID, st.Status),
		)
	}
	if err := checkOpenSession(sess, key, stageID); err != nil {
		return st, nil, err
	}

	var events []model.SessionEvent
	if sess.Status == model.SessionIdle {
		sess.Status = model.SessionRunning
		sess.StartedAt = &now
		events = append(events, statusEvent(key, sess.Status))
	}
	if !exists || st.StartedAt == nil {
		st.StartedAt = &now
	}
	return st, events, nil
}

// Finish sets the session outcome, which must be completed or error.
// Finishing with completed while a stage is still running is rejected.
// Repeating the current outcome is ignored; changing it is rejected.
func (s *Store) Finish(key model.SessionKey, outcome model.SessionStatus) (Outcome, error) {
	if err := validateKey(key); err != nil {
		return s.rejected("finish", err)
	}
	if !outcome.Terminal() {
		return s.rejected("finish", model.NewBadRequestError("outcome must be completed or error"))
	}

	return s.mutate("finish", key, true, func(sess *model.WorkflowSession, now time.Time) ([]model.SessionEvent, error) {
		if sess.Status == outcome {
			return nil, nil
		}
		if sess.Status.Terminal() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("session %s is already %s", key, sess.Status),
			)
		}
		if outcome == model.SessionCompleted {
			for id, st := range sess.Stages {
				if st.Status == model.StageRunning {
					return nil, model.NewInvalidTransitionError(
						fmt.Sprintf("stage %q is still running", id),
					)
				}
			}
		}
		if sess.StartedAt == nil {
			sess.StartedAt = &now
		}
		sess.Status = outcome
		sess.EndedAt = &now
		return []model.SessionEvent{statusEvent(key, outcome)}, nil
	})
}

// Get returns a deep copy of the session taken under its read lock. It never
// observes a partially applied mutation. An evicted session reads back as
// its final status and version with no stages or data.
func (s *Store) Get(key model.SessionKey) (model.WorkflowSession, bool) {
	for {
		s.mu.RLock()
		e, ok := s.sessions[key]
		tomb, retired := s.retired[key]
		s.mu.RUnlock()
		if !ok {
			if retired {
				return tomb.Clone(), true
			}
			return model.WorkflowSession{}, false
		}

		e.mu.RLock()
		if !e.evicted {
			sess := e.session.Clone()
			e.mu.RUnlock()
			return sess, true
		}
		e.mu.RUnlock()
	}
}

// Len returns the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts terminal sessions not updated for at least ttl. Running and
// idle sessions are never evicted. A non-positive ttl disables eviction.
func (s *Store) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, e := range s.sessions {
		e.mu.Lock()
		if e.session.Status.Terminal() && e.session.UpdatedAt.Before(cutoff) {
			e.evicted = true
			delete(s.sessions, key)
			s.retired[key] = retire(e.session)
			evicted++
			s.logger.Info("session evicted",
				zap.String("tenant_id", key.TenantID),
				zap.String("campaign_id", key.CampaignID),
				zap.String("status", string(e.session.Status)),
				zap.Uint64("version", e.session.Version),
			)
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		s.metrics.SetSessionsActive(len(s.sessions))
	}
	return evicted
}

// mutate runs fn under the session's write lock, then stamps and publishes
// the events it returns before releasing the lock.
func (s *Store) mutate(event string, key model.SessionKey, create bool,
	fn func(sess *model.WorkflowSession, now time.Time) ([]model.SessionEvent, error)) (Outcome, error) {
	for {
		e := s.entry(key, create)
		if e == nil {
			s.metrics.RecordStageEvent(event, string(OutcomeIgnored))
			return OutcomeIgnored, nil
		}

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}

		now := s.now()
		events, err := fn(&e.session, now)
		if err != nil {
			e.mu.Unlock()
			if model.IsCode(err, model.ErrStaleProgress) {
				s.metrics.RecordStageEvent(event, string(OutcomeIgnored))
				return OutcomeIgnored, err
			}
			return s.rejected(event, err)
		}
		if len(events) == 0 {
			e.mu.Unlock()
			s.metrics.RecordStageEvent(event, string(OutcomeIgnored))
			return OutcomeIgnored, nil
		}

		for i := range events {
			if events[i].Kind.Versioned() {
				e.session.Version++
				e.session.UpdatedAt = now
			}
			events[i].Version = e.session.Version
			events[i].At = now
			for _, o := range s.observers {
				o.OnCommit(events[i])
			}
		}
		e.mu.Unlock()

		s.metrics.RecordStageEvent(event, string(OutcomeApplied))
		return OutcomeApplied, nil
	}
}

// entry returns the entry for key, creating it when create is set. A key
// that was evicted is restored from its retired state, so its status stays
// terminal and its version keeps counting up.
func (s *Store) entry(key model.SessionKey, create bool) *entry {
	s.mu.RLock()
	e, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[key]; ok {
		return e
	}
	if tomb, ok := s.retired[key]; ok {
		delete(s.retired, key)
		e = &entry{session: tomb}
		s.sessions[key] = e
		s.metrics.SetSessionsActive(len(s.sessions))
		return e
	}
	e = &entry{session: model.WorkflowSession{
		TenantID:   key.TenantID,
		CampaignID: key.CampaignID,
		Status:     model.SessionIdle,
		Stages:     make(map[string]model.StageState),
		Data:       make(map[string]any),
		UpdatedAt:  s.now(),
	}}
	s.sessions[key] = e
	s.metrics.SetSessionsActive(len(s.sessions))
	s.logger.Info("session created",
		zap.String("tenant_id", key.TenantID),
		zap.String("campaign_id", key.CampaignID),
	)
	return e
}

func (s *Store) rejected(event string, err error) (Outcome, error) {
	s.metrics.RecordStageEvent(event, string(OutcomeRejected))
	return OutcomeRejected, err
}

func validateKey(key model.SessionKey) error {
	if _, err := model.ValidateTenantID(key.TenantID); err != nil {
		return err
	}
	if strings.TrimSpace(key.CampaignID) == "" {
		return model.NewBadRequestError("campaign id is required")
	}
	return nil
}

func validateStage(key model.SessionKey, stageID string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if strings.TrimSpace(stageID) == "" {
		return model.NewBadRequestError("stage id is required")
	}
	return nil
}

func statusEvent(key model.SessionKey, status model.SessionStatus) model.SessionEvent {
	return model.SessionEvent{Kind: model.EventSessionStatus, Key: key, Status: status}
}

func stageEvent(key model.SessionKey, stageID string, st model.StageState, records []model.ExtractedRecord) model.SessionEvent {
	return model.SessionEvent{
		Kind:    model.EventStageUpdate,
		Key:     key,
		StageID: stageID,
		Stage:   st.Clone(),
		Records: records,
	}
}

// retire keeps what an evicted session needs to stay monotonic: its key,
// status, version and timestamps.
func retire(sess model.WorkflowSession) model.WorkflowSession {
	return model.WorkflowSession{
		TenantID:   sess.TenantID,
		CampaignID: sess.CampaignID,
		Status:     sess.Status,
		Stages:     make(map[string]model.StageState),
		Data:       make(map[string]any),
		Version:    sess.Version,
		StartedAt:  sess.StartedAt,
		EndedAt:    sess.EndedAt,
		UpdatedAt:  sess.UpdatedAt,
	}
}

// mergeStageData merges add into the map held under stageID, key by key.
func mergeStageData(data map[string]any, stageID string, add map[string]any) {
	if add == nil {
		return
	}
	cur, _ := data[stageID].(map[string]any)
	if cur == nil {
		cur = make(map[string]any, len(add))
	}
	for k, v := range model.CloneMap(add) {
		cur[k] = v
	}
	data[stageID] = cur
}

// mergeContacts appends the contacts of add not already in have. It returns
// the merged list and the contacts it appended.
func mergeContacts(have, add []model.Contact) ([]model.Contact, []model.Contact) {
	seen := make(map[string]bool, len(have))
	for _, c := range have {
		seen[c.UniqueKey()] = true
	}
	var added []model.Contact
	for _, c := range add {
		k := c.UniqueKey()
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		have = append(have, c)
		added = append(added, c)
	}
	return have, added
}

func mergeMessages(have, add []model.Message) ([]model.Message, []model.Message) {
	seen := make(map[string]bool, len(have))
	for _, m := range have {
		seen[m.UniqueKey()] = true
	}
	var added []model.Message
	for _, m := range add {
		k := m.UniqueKey()
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		have = append(have, m)
		added = append(added, m)
	}
	return have, added
}
