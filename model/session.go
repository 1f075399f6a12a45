package model

import "time"

// SessionStatus is the lifecycle status of a workflow session.
type SessionStatus string

// Session status constants. Transitions run idle → running → {completed, error}.
const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Terminal reports whether s is completed or error.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// StageStatus is the lifecycle status of a single stage.
type StageStatus string

// Stage status constants. Transitions run pending → running → {completed, error}.
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageError     StageStatus = "error"
)

// Terminal reports whether s is completed or error.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// SessionKey identifies a workflow session. Sessions are scoped by tenant so
// two tenants reusing a campaign id never share state.
type SessionKey struct {
	TenantID   string
	CampaignID string
}

// String returns "tenant/campaign".
func (k SessionKey) String() string {
	return k.TenantID + "/" + k.CampaignID
}

// StageState is the state of one stage within a session.
type StageState struct {
	Status    StageStatus    `json:"status"`
	Progress  int            `json:"progress"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// WorkflowSession is the authoritative in-memory state of one campaign.
type WorkflowSession struct {
	TenantID   string                `json:"tenantId"`
	CampaignID string                `json:"campaignId"`
	Status     SessionStatus         `json:"status"`
	Stages     map[string]StageState `json:"stages"`
	Data       map[string]any        `json:"data"`
	Contacts   []Contact             `json:"contacts"`
	Messages   []Message             `json:"messages"`
	Version    uint64                `json:"version"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	EndedAt    *time.Time            `json:"endedAt,omitempty"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// Key returns the session key.
func (s *WorkflowSession) Key() SessionKey {
	return SessionKey{TenantID: s.TenantID, CampaignID: s.CampaignID}
}

// Clone returns a deep copy that shares no maps or slices with s.
func (s *WorkflowSession) Clone() WorkflowSession {
	out := *s
	out.Stages = make(map[string]StageState, len(s.Stages))
	for id, st := range s.Stages {
		out.Stages[id] = st.Clone()
	}
	out.Data = CloneMap(s.Data)
	out.Contacts = append([]Contact(nil), s.Contacts...)
	out.Messages = append([]Message(nil), s.Messages...)
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	return out
}

// Clone returns a deep copy of the stage state.
func (st StageState) Clone() StageState {
	out := st
	out.StartedAt = cloneTime(st.StartedAt)
	out.EndedAt = cloneTime(st.EndedAt)
	out.Result = CloneMap(st.Result)
	return out
}

// EventKind names a committed session event.
type EventKind string

// Event kinds, matching the server→client frame types.
const (
	EventStageUpdate   EventKind = "stageUpdate"
	EventSessionStatus EventKind = "sessionStatus"
	EventStageData     EventKind = "stageData"
	EventStageLog      EventKind = "stageLog"
)

// Versioned reports whether events of kind k advance the session version.
// Log lines change no state and do not.
func (k EventKind) Versioned() bool {
	return k != EventStageLog
}

// LogEntry is one log line a producer reported for a stage.
type LogEntry struct {
	Level   string
	Message string
}

// SessionEvent is a committed mutation handed to commit observers. Stage and
// Status hold copies taken after the commit. Delta is set on stageData events
// and holds only what the report added; Log is set on stageLog events.
type SessionEvent struct {
	Kind    EventKind
	Key     SessionKey
	StageID string
	Stage   StageState
	Status  SessionStatus
	Delta   StageResult
	Log     LogEntry
	Version uint64
	Records []ExtractedRecord
	At      time.Time
}

// Snapshot is a point-in-time readout of a session merged with durable records.
type Snapshot struct {
	TenantID   string                `json:"tenantId"`
	CampaignID string                `json:"campaignId"`
	Status     SessionStatus         `json:"status"`
	Stages     map[string]StageState `json:"stages"`
	Data       map[string]any        `json:"data"`
	Contacts   []Contact             `json:"contacts"`
	Messages   []Message             `json:"messages"`
	Version    uint64                `json:"version"`
	StartedAt  *time.Time            `json:"startedAt,omitempty"`
	EndedAt    *time.Time            `json:"endedAt,omitempty"`
}

// CloneMap deep-copies nested map[string]any and []any values. Other values
// are copied by assignment.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
