package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/pulse/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id   TEXT NOT NULL,
	campaign_id TEXT NOT NULL,
	unique_key  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (tenant_id, campaign_id, unique_key)
);
CREATE TABLE IF NOT EXISTS campaign_messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id   TEXT NOT NULL,
	campaign_id TEXT NOT NULL,
	unique_key  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (tenant_id, campaign_id, unique_key)
);`

// SQLiteRecordStore is a RecordStore backed by a local SQLite file.
type SQLiteRecordStore struct {
	db *sql.DB
}

// OpenSQLiteRecordStore opens (or creates) the database at path and ensures
// the record tables exist.
func OpenSQLiteRecordStore(ctx context.Context, path string) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteRecordStore{db: db}, nil
}

// UpsertContact inserts c, reporting a conflict when its key exists.
func (s *SQLiteRecordStore) UpsertContact(ctx context.Context, tenantID, campaignID string, c model.Contact) error {
	return s.insert(ctx, "campaign_contacts", model.RecordContact, tenantID, campaignID, c.UniqueKey(), c)
}

// UpsertMessage inserts m, reporting a conflict when its key exists.
func (s *SQLiteRecordStore) UpsertMessage(ctx context.Context, tenantID, campaignID string, m model.Message) error {
	return s.insert(ctx, "campaign_messages", model.RecordMessage, tenantID, campaignID, m.UniqueKey(), m)
}

func (s *SQLiteRecordStore) insert(ctx context.Context, table string, kind model.RecordKind, tenantID, campaignID, key string, v any) error {
	if key == "" {
		return model.NewBadRequestError(fmt.Sprintf("%s unique key is required", kind))
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (tenant_id, campaign_id, unique_key, payload) VALUES (?, ?, ?, ?)`,
		tenantID, campaignID, key, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	if n == 0 {
		return conflict(kind, campaignID, key)
	}
	return nil
}

// ListContacts returns the campaign's contacts in insertion order.
func (s *SQLiteRecordStore) ListContacts(ctx context.Context, tenantID, campaignID string) ([]model.Contact, error) {
	var out []model.Contact
	err := s.list(ctx, "campaign_contacts", tenantID, campaignID, func(raw string) error {
		var c model.Contact
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// ListMessages returns the campaign's messages in insertion order.
func (s *SQLiteRecordStore) ListMessages(ctx context.Context, tenantID, campaignID string) ([]model.Message, error) {
	var out []model.Message
	err := s.list(ctx, "campaign_messages", tenantID, campaignID, func(raw string) error {
		var m model.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *SQLiteRecordStore) list(ctx context.Context, table, tenantID, campaignID string, scan func(string) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM `+table+` WHERE tenant_id = ? AND campaign_id = ? ORDER BY seq ASC`,
		tenantID, campaignID,
	)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
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
func (s *SQLiteRecordStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}
