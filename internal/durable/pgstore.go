package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/pulse/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
	tenant_id   TEXT        NOT NULL,
	campaign_id TEXT        NOT NULL,
	unique_key  TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq         BIGSERIAL,
	PRIMARY KEY (tenant_id, campaign_id, unique_key)
);
CREATE TABLE IF NOT EXISTS campaign_messages (
	tenant_id   TEXT        NOT NULL,
	campaign_id TEXT        NOT NULL,
	unique_key  TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq         BIGSERIAL,
	PRIMARY KEY (tenant_id, campaign_id, unique_key)
);`

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// Migrate creates the record tables if they do not exist.
func (s *PgRecordStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate record tables: %w", err)
	}
	return nil
}

// UpsertContact inserts c, reporting a conflict when its key exists.
func (s *PgRecordStore) UpsertContact(ctx context.Context, tenantID, campaignID string, c model.Contact) error {
	return s.insert(ctx, "campaign_contacts", model.RecordContact, tenantID, campaignID, c.UniqueKey(), c)
}

// UpsertMessage inserts m, reporting a conflict when its key exists.
func (s *PgRecordStore) UpsertMessage(ctx context.Context, tenantID, campaignID string, m model.Message) error {
	return s.insert(ctx, "campaign_messages", model.RecordMessage, tenantID, campaignID, m.UniqueKey(), m)
}

func (s *PgRecordStore) insert(ctx context.Context, table string, kind model.RecordKind, tenantID, campaignID, key string, v any) error {
	if key == "" {
		return model.NewBadRequestError(fmt.Sprintf("%s unique key is required", kind))
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO `+table+` (tenant_id, campaign_id, unique_key, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, campaign_id, unique_key) DO NOTHING`,
		tenantID, campaignID, key, payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return conflict(kind, campaignID, key)
		}
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return conflict(kind, campaignID, key)
	}
	return nil
}

// ListContacts returns the campaign's contacts in insertion order.
func (s *PgRecordStore) ListContacts(ctx context.Context, tenantID, campaignID string) ([]model.Contact, error) {
	var out []model.Contact
	err := s.list(ctx, "campaign_contacts", tenantID, campaignID, func(raw []byte) error {
		var c model.Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// ListMessages returns the campaign's messages in insertion order.
func (s *PgRecordStore) ListMessages(ctx context.Context, tenantID, campaignID string) ([]model.Message, error) {
	var out []model.Message
	err := s.list(ctx, "campaign_messages", tenantID, campaignID, func(raw []byte) error {
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *PgRecordStore) list(ctx context.Context, table, tenantID, campaignID string, scan func([]byte) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM `+table+`
		WHERE tenant_id = $1 AND campaign_id = $2
		ORDER BY seq ASC`,
		tenantID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if err := scan(raw); err != nil {
			return fmt.Errorf("unmarshal %s: %w", table, err)
		}
	}
	return rows.Err()
}

// HealthCheck pings the database.
func (s *PgRecordStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PgRecordStore) Close() error {
	s.pool.Close()
	return nil
}
