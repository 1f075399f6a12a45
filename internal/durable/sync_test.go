package durable

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/model"
)

// flakyStore fails the first failN contact upserts, then delegates.
type flakyStore struct {
	*MemoryRecordStore
	failN    int32
	attempts atomic.Int32
	err      error
	block    bool
}

func (s *flakyStore) UpsertContact(ctx context.Context, tenantID, campaignID string, c model.Contact) error {
	n := s.attempts.Add(1)
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= s.failN {
		return s.err
	}
	return s.MemoryRecordStore.UpsertContact(ctx, tenantID, campaignID, c)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Workers:          2,
		QueueSize:        16,
		InitialInterval:  time.Millisecond,
		MaxInterval:      5 * time.Millisecond,
		MaxElapsedTime:   time.Second,
		FailureThreshold: 100,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
	}
}

func contactRecord(email string) model.ExtractedRecord {
	return model.ExtractedRecord{
		Kind:       model.RecordContact,
		TenantID:   "acme",
		CampaignID: "c1",
		Contact:    model.Contact{Email: email},
	}
}

func closeSyncer(t *testing.T, s *Syncer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// --- Idempotence ---

func TestSyncer_duplicateRecordsStoredOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := NewMemoryRecordStore()
	s := NewSyncer(store, testSyncConfig(), nil, nil)
	s.Start()

	for i := 0; i < 5; i++ {
		if !s.Enqueue(contactRecord("a@x.com")) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
	closeSyncer(t, s)

	if store.Len() != 1 {
		t.Errorf("stored records = %d, want 1", store.Len())
	}
}

func TestSyncer_OnCommitEnqueuesEventRecords(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := NewMemoryRecordStore()
	s := NewSyncer(store, testSyncConfig(), nil, nil)
	s.Start()

	s.OnCommit(model.SessionEvent{
		Kind: model.EventStageUpdate,
		Records: []model.ExtractedRecord{
			contactRecord("a@x.com"),
			contactRecord("b@x.com"),
			{Kind: model.RecordMessage, TenantID: "acme", CampaignID: "c1", Message: model.Message{To: "a@x.com"}},
		},
	})
	closeSyncer(t, s)

	contacts, _ := store.ListContacts(context.Background(), "acme", "c1")
	messages, _ := store.ListMessages(context.Background(), "acme", "c1")
	if len(contacts) != 2 || len(messages) != 1 {
		t.Errorf("contacts = %d, messages = %d; want 2 and 1", len(contacts), len(messages))
	}
}

// --- Retry ---

func TestSyncer_retriesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStore{MemoryRecordStore: NewMemoryRecordStore(), failN: 3, err: errors.New("connection reset")}
	cfg := testSyncConfig()
	cfg.Workers = 1
	s := NewSyncer(store, cfg, nil, nil)
	s.Start()

	s.Enqueue(contactRecord("a@x.com"))
	closeSyncer(t, s)

	if got := store.attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if store.Len() != 1 {
		t.Errorf("stored records = %d, want 1", store.Len())
	}
}

func TestSyncer_badRequestIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStore{MemoryRecordStore: NewMemoryRecordStore(), failN: 100, err: model.NewBadRequestError("bad")}
	s := NewSyncer(store, testSyncConfig(), nil, nil)
	s.Start()

	s.Enqueue(contactRecord("a@x.com"))
	closeSyncer(t, s)

	if got := store.attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestSyncer_conflictCountsAsSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStore{MemoryRecordStore: NewMemoryRecordStore(), failN: 100, err: model.NewDurableConflictError("exists")}
	cfg := testSyncConfig()
	cfg.FailureThreshold = 1
	s := NewSyncer(store, cfg, nil, nil)
	s.Start()

	s.Enqueue(contactRecord("a@x.com"))
	closeSyncer(t, s)

	if got := store.attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if s.Breaker().State() != BreakerClosed {
		t.Errorf("breaker = %s, want closed", s.Breaker().State())
	}
}

func TestSyncer_breakerOpensOnPersistentFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStore{MemoryRecordStore: NewMemoryRecordStore(), failN: 1000, err: errors.New("db down")}
	cfg := testSyncConfig()
	cfg.Workers = 1
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Hour
	cfg.MaxElapsedTime = 50 * time.Millisecond
	s := NewSyncer(store, cfg, nil, nil)
	s.Start()

	s.Enqueue(contactRecord("a@x.com"))
	closeSyncer(t, s)

	if s.Breaker().State() != BreakerOpen {
		t.Errorf("breaker = %s, want open", s.Breaker().State())
	}
	if got := store.attempts.Load(); got != 2 {
		t.Errorf("store attempts = %d, want 2 (breaker rejects the rest)", got)
	}
	if store.Len() != 0 {
		t.Errorf("stored records = %d, want 0", store.Len())
	}
}

// --- Backpressure ---

func TestSyncer_fullQueueDrops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testSyncConfig()
	cfg.QueueSize = 1
	s := NewSyncer(NewMemoryRecordStore(), cfg, nil, nil)
	// Not started: nothing drains the queue.

	if !s.Enqueue(contactRecord("a@x.com")) {
		t.Fatal("first Enqueue rejected")
	}
	if s.Enqueue(contactRecord("b@x.com")) {
		t.Error("second Enqueue accepted on a full queue")
	}
	closeSyncer(t, s)
}

func TestSyncer_enqueueAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewSyncer(NewMemoryRecordStore(), testSyncConfig(), nil, nil)
	s.Start()
	closeSyncer(t, s)

	if s.Enqueue(contactRecord("a@x.com")) {
		t.Error("Enqueue accepted after Close")
	}
	// Second Close is a no-op.
	closeSyncer(t, s)
}

// --- Shutdown ---

func TestSyncer_closeAbandonsBlockedUpserts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &flakyStore{MemoryRecordStore: NewMemoryRecordStore(), block: true}
	s := NewSyncer(store, testSyncConfig(), nil, nil)
	s.Start()
	s.Enqueue(contactRecord("a@x.com"))

	deadline := time.Now().Add(time.Second)
	for store.attempts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
}
