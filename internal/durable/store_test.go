package durable

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pulse/model"
)

// runRecordStoreSuite exercises the RecordStore contract against any
// implementation.
func runRecordStoreSuite(t *testing.T, newStore func(t *testing.T) RecordStore) {
	t.Run("contact upsert is idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.UpsertContact(ctx, "t1", "c1", model.Contact{Email: "a@x.com", Name: "Ann"}); err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		err := store.UpsertContact(ctx, "t1", "c1", model.Contact{Email: " A@X.com", Name: "Other"})
		if !model.IsCode(err, model.ErrDurableConflict) {
			t.Fatalf("second upsert error = %v, want DURABLE_CONFLICT", err)
		}

		got, err := store.ListContacts(ctx, "t1", "c1")
		if err != nil {
			t.Fatalf("ListContacts: %v", err)
		}
		if len(got) != 1 || got[0].Name != "Ann" {
			t.Errorf("contacts = %+v, want only the first Ann record", got)
		}
	})

	t.Run("keys are scoped by tenant and campaign", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, tc := range []struct{ tenant, campaign string }{{"t1", "c1"}, {"t2", "c1"}, {"t1", "c2"}} {
			if err := store.UpsertContact(ctx, tc.tenant, tc.campaign, model.Contact{Email: "a@x.com"}); err != nil {
				t.Fatalf("upsert %s/%s: %v", tc.tenant, tc.campaign, err)
			}
		}
		got, _ := store.ListContacts(ctx, "t2", "c1")
		if len(got) != 1 {
			t.Errorf("t2/c1 contacts = %d, want 1", len(got))
		}
		got, _ = store.ListContacts(ctx, "t3", "c1")
		if len(got) != 0 {
			t.Errorf("t3/c1 contacts = %+v, want none", got)
		}
	})

	t.Run("messages keep insertion order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		msgs := []model.Message{
			{To: "b@x.com", Subject: "second letter first"},
			{Key: "draft-1", To: "a@x.com", Subject: "keyed"},
			{To: "a@x.com", Subject: "by recipient"},
		}
		for _, m := range msgs {
			if err := store.UpsertMessage(ctx, "t1", "c1", m); err != nil {
				t.Fatalf("UpsertMessage(%+v): %v", m, err)
			}
		}
		err := store.UpsertMessage(ctx, "t1", "c1", model.Message{Key: "draft-1", To: "z@x.com"})
		if !model.IsCode(err, model.ErrDurableConflict) {
			t.Errorf("duplicate key error = %v, want DURABLE_CONFLICT", err)
		}

		got, err := store.ListMessages(ctx, "t1", "c1")
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("messages = %d, want 3", len(got))
		}
		for i := range msgs {
			if got[i].Subject != msgs[i].Subject {
				t.Errorf("messages[%d] = %q, want %q", i, got[i].Subject, msgs[i].Subject)
			}
		}
	})

	t.Run("missing key is a bad request", func(t *testing.T) {
		store := newStore(t)
		err := store.UpsertContact(context.Background(), "t1", "c1", model.Contact{Name: "no email"})
		if !model.IsCode(err, model.ErrBadRequest) {
			t.Errorf("error = %v, want BAD_REQUEST", err)
		}
	})

	t.Run("health check", func(t *testing.T) {
		store := newStore(t)
		if err := store.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})
}

// --- MemoryRecordStore ---

func TestMemoryRecordStore(t *testing.T) {
	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		return NewMemoryRecordStore()
	})
}

func TestUpsert_dispatchesByKind(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()

	if err := Upsert(ctx, store, model.ExtractedRecord{Kind: model.RecordContact, TenantID: "t1", CampaignID: "c1", Contact: model.Contact{Email: "a@x.com"}}); err != nil {
		t.Fatalf("contact: %v", err)
	}
	if err := Upsert(ctx, store, model.ExtractedRecord{Kind: model.RecordMessage, TenantID: "t1", CampaignID: "c1", Message: model.Message{To: "a@x.com"}}); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := Upsert(ctx, store, model.ExtractedRecord{Kind: "strategy"}); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("unknown kind error = %v, want BAD_REQUEST", err)
	}
	if store.Len() != 2 {
		t.Errorf("Len = %d, want 2", store.Len())
	}
}

// --- SQLiteRecordStore ---

func TestSQLiteRecordStore(t *testing.T) {
	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		path := filepath.Join(t.TempDir(), "records.db")
		store, err := OpenSQLiteRecordStore(context.Background(), path)
		if err != nil {
			t.Fatalf("OpenSQLiteRecordStore: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestSQLiteRecordStore_survivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()

	store, err := OpenSQLiteRecordStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.UpsertContact(ctx, "t1", "c1", model.Contact{Email: "a@x.com"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	store.Close()

	store, err = OpenSQLiteRecordStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	if err := store.UpsertContact(ctx, "t1", "c1", model.Contact{Email: "a@x.com"}); !model.IsCode(err, model.ErrDurableConflict) {
		t.Errorf("upsert after reopen = %v, want DURABLE_CONFLICT", err)
	}
	got, _ := store.ListContacts(ctx, "t1", "c1")
	if len(got) != 1 {
		t.Errorf("contacts = %d, want 1", len(got))
	}
}

// --- RedisRecordStore ---

func newMiniredisStore(t *testing.T) (*RedisRecordStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRecordStore(client, "test"), mr
}

func TestRedisRecordStore(t *testing.T) {
	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		store, _ := newMiniredisStore(t)
		return store
	})
}

func TestRedisRecordStore_keyFormat(t *testing.T) {
	store, mr := newMiniredisStore(t)
	if err := store.UpsertContact(context.Background(), "t1", "c1", model.Contact{Email: "a@x.com"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !mr.Exists("test:contact:t1:c1") {
		t.Error("hash key test:contact:t1:c1 not created")
	}
	if got, _ := mr.List("test:contact:t1:c1:order"); len(got) != 1 || got[0] != "a@x.com" {
		t.Errorf("order list = %v", got)
	}
}

func TestRedisRecordStore_unavailable(t *testing.T) {
	store, mr := newMiniredisStore(t)
	mr.Close()

	err := store.UpsertContact(context.Background(), "t1", "c1", model.Contact{Email: "a@x.com"})
	if err == nil || model.IsCode(err, model.ErrDurableConflict) {
		t.Errorf("error = %v, want infrastructure error", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck succeeded with redis down")
	}
}
