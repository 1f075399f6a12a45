// Package durable mirrors extracted contacts and messages into durable
// storage and reads them back for snapshots.
package durable

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/pulse/model"
)

// RecordStore is the durable contact/message store. Upserts are keyed by
// (tenant, campaign, unique key); inserting an existing key returns a
// DURABLE_CONFLICT error and leaves the stored record unchanged.
type RecordStore interface {
	// UpsertContact stores c unless a contact with the same key exists.
	UpsertContact(ctx context.Context, tenantID, campaignID string, c model.Contact) error

	// UpsertMessage stores m unless a message with the same key exists.
	UpsertMessage(ctx context.Context, tenantID, campaignID string, m model.Message) error

	// ListContacts returns the campaign's contacts in insertion order.
	ListContacts(ctx context.Context, tenantID, campaignID string) ([]model.Contact, error)

	// ListMessages returns the campaign's messages in insertion order.
	ListMessages(ctx context.Context, tenantID, campaignID string) ([]model.Message, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Upsert writes r to the store method matching its kind.
func Upsert(ctx context.Context, store RecordStore, r model.ExtractedRecord) error {
	switch r.Kind {
	case model.RecordContact:
		return store.UpsertContact(ctx, r.TenantID, r.CampaignID, r.Contact)
	case model.RecordMessage:
		return store.UpsertMessage(ctx, r.TenantID, r.CampaignID, r.Message)
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown record kind %q", r.Kind))
	}
}

func conflict(kind model.RecordKind, campaignID, key string) error {
	return model.NewDurableConflictError(
		fmt.Sprintf("%s %q already stored for campaign %q", kind, key, campaignID),
	)
}

// --- MemoryRecordStore ---

type campaignRecords struct {
	contactKeys map[string]bool
	contacts    []model.Contact
	messageKeys map[string]bool
	messages    []model.Message
}

// MemoryRecordStore is an in-memory RecordStore for tests and single-instance
// deployments without persistence.
type MemoryRecordStore struct {
	mu        sync.RWMutex
	campaigns map[model.SessionKey]*campaignRecords
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{campaigns: make(map[model.SessionKey]*campaignRecords)}
}

func (s *MemoryRecordStore) records(tenantID, campaignID string) *campaignRecords {
	key := model.SessionKey{TenantID: tenantID, CampaignID: campaignID}
	r, ok := s.campaigns[key]
	if !ok {
		r = &campaignRecords{contactKeys: make(map[string]bool), messageKeys: make(map[string]bool)}
		s.campaigns[key] = r
	}
	return r
}

// UpsertContact stores c unless its key exists.
func (s *MemoryRecordStore) UpsertContact(_ context.Context, tenantID, campaignID string, c model.Contact) error {
	k := c.UniqueKey()
	if k == "" {
		return model.NewBadRequestError("contact email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records(tenantID, campaignID)
	if r.contactKeys[k] {
		return conflict(model.RecordContact, campaignID, k)
	}
	r.contactKeys[k] = true
	r.contacts = append(r.contacts, c)
	return nil
}

// UpsertMessage stores m unless its key exists.
func (s *MemoryRecordStore) UpsertMessage(_ context.Context, tenantID, campaignID string, m model.Message) error {
	k := m.UniqueKey()
	if k == "" {
		return model.NewBadRequestError("message key or recipient is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records(tenantID, campaignID)
	if r.messageKeys[k] {
		return conflict(model.RecordMessage, campaignID, k)
	}
	r.messageKeys[k] = true
	r.messages = append(r.messages, m)
	return nil
}

// ListContacts returns a copy of the campaign's contacts.
func (s *MemoryRecordStore) ListContacts(_ context.Context, tenantID, campaignID string) ([]model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.campaigns[model.SessionKey{TenantID: tenantID, CampaignID: campaignID}]
	if !ok {
		return nil, nil
	}
	return append([]model.Contact(nil), r.contacts...), nil
}

// ListMessages returns a copy of the campaign's messages.
func (s *MemoryRecordStore) ListMessages(_ context.Context, tenantID, campaignID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.campaigns[model.SessionKey{TenantID: tenantID, CampaignID: campaignID}]
	if !ok {
		return nil, nil
	}
	return append([]model.Message(nil), r.messages...), nil
}

// HealthCheck always succeeds.
func (s *MemoryRecordStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryRecordStore) Close() error { return nil }

// Len returns the total number of stored records. For testing.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.campaigns {
		n += len(r.contacts) + len(r.messages)
	}
	return n
}
