package model

import "strings"

// Contact is a prospect discovered by a stage.
type Contact struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Company  string `json:"company,omitempty"`
	Position string `json:"position,omitempty"`
	Industry string `json:"industry,omitempty"`
	Source   string `json:"source,omitempty"`
}

// UniqueKey is the lower-cased, trimmed email address.
func (c Contact) UniqueKey() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// Message is a generated outbound email.
type Message struct {
	Key     string `json:"key,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	Status  string `json:"status,omitempty"`
}

// UniqueKey is the explicit message key, or the lower-cased recipient when no
// key was supplied.
func (m Message) UniqueKey() string {
	if k := strings.TrimSpace(m.Key); k != "" {
		return k
	}
	return strings.ToLower(strings.TrimSpace(m.To))
}

// RecordKind distinguishes extracted record types.
type RecordKind string

// Record kinds.
const (
	RecordContact RecordKind = "contact"
	RecordMessage RecordKind = "message"
)

// ExtractedRecord is a contact or message destined for durable storage, keyed
// by (tenant, campaign, unique key).
type ExtractedRecord struct {
	Kind       RecordKind
	TenantID   string
	CampaignID string
	Contact    Contact
	Message    Message
}

// UniqueKey returns the record's unique key within its campaign.
func (r ExtractedRecord) UniqueKey() string {
	if r.Kind == RecordMessage {
		return r.Message.UniqueKey()
	}
	return r.Contact.UniqueKey()
}

// StageResult is what a producer reports when a stage completes. Contacts and
// Messages are the typed records to mirror into durable storage; Data is
// merged into the session under the stage id.
type StageResult struct {
	Data     map[string]any `json:"data,omitempty"`
	Contacts []Contact      `json:"contacts,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
}

// Records flattens the result into extracted records for the given session.
// Records without a unique key are skipped.
func (r StageResult) Records(key SessionKey) []ExtractedRecord {
	out := make([]ExtractedRecord, 0, len(r.Contacts)+len(r.Messages))
	for _, c := range r.Contacts {
		if c.UniqueKey() == "" {
			continue
		}
		out = append(out, ExtractedRecord{
			Kind:       RecordContact,
			TenantID:   key.TenantID,
			CampaignID: key.CampaignID,
			Contact:    c,
		})
	}
	for _, m := range r.Messages {
		if m.UniqueKey() == "" {
			continue
		}
		out = append(out, ExtractedRecord{
			Kind:       RecordMessage,
			TenantID:   key.TenantID,
			CampaignID: key.CampaignID,
			Message:    m,
		})
	}
	return out
}
