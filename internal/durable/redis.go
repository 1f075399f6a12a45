package durable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pulse/model"
)

// RedisRecordStore is a Redis-backed RecordStore. Each campaign keeps one
// hash per record kind (unique key → JSON payload) and a list holding the
// unique keys in insertion order. The key format is
// "{prefix}:{kind}:{tenant}:{campaign}" and "...:order".
type RedisRecordStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRecordStore creates a Redis-backed record store.
func NewRedisRecordStore(client redis.UniversalClient, prefix string) *RedisRecordStore {
	if prefix == "" {
		prefix = "pulse"
	}
	return &RedisRecordStore{client: client, prefix: prefix}
}

func (s *RedisRecordStore) hashKey(kind model.RecordKind, tenantID, campaignID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, kind, tenantID, campaignID)
}

// UpsertContact stores c with HSETNX, reporting a conflict when its key exists.
func (s *RedisRecordStore) UpsertContact(ctx context.Context, tenantID, campaignID string, c model.Contact) error {
	return s.insert(ctx, model.RecordContact, tenantID, campaignID, c.UniqueKey(), c)
}

// UpsertMessage stores m with HSETNX, reporting a conflict when its key exists.
func (s *RedisRecordStore) UpsertMessage(ctx context.Context, tenantID, campaignID string, m model.Message) error {
	return s.insert(ctx, model.RecordMessage, tenantID, campaignID, m.UniqueKey(), m)
}

func (s *RedisRecordStore) insert(ctx context.Context, kind model.RecordKind, tenantID, campaignID, key string, v any) error {
	if key == "" {
		return model.NewBadRequestError(fmt.Sprintf("%s unique key is required", kind))
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	hk := s.hashKey(kind, tenantID, campaignID)
	stored, err := s.client.HSetNX(ctx, hk, key, payload).Result()
	if err != nil {
		return fmt.Errorf("redis hsetnx %q: %w", hk, err)
	}
	if !stored {
		return conflict(kind, campaignID, key)
	}
	if err := s.client.RPush(ctx, hk+":order", key).Err(); err != nil {
		return fmt.Errorf("redis rpush %q: %w", hk+":order", err)
	}
	return nil
}

// ListContacts returns the campaign's contacts in insertion order.
func (s *RedisRecordStore) ListContacts(ctx context.Context, tenantID, campaignID string) ([]model.Contact, error) {
	raws, err := s.list(ctx, model.RecordContact, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Contact, 0, len(raws))
	for _, raw := range raws {
		var c model.Contact
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("unmarshal contact: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ListMessages returns the campaign's messages in insertion order.
func (s *RedisRecordStore) ListMessages(ctx context.Context, tenantID, campaignID string) ([]model.Message, error) {
	raws, err := s.list(ctx, model.RecordMessage, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(raws))
	for _, raw := range raws {
		var m model.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisRecordStore) list(ctx context.Context, kind model.RecordKind, tenantID, campaignID string) ([]string, error) {
	hk := s.hashKey(kind, tenantID, campaignID)
	keys, err := s.client.LRange(ctx, hk+":order", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", hk+":order", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, hk, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget %q: %w", hk, err)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}

// HealthCheck pings Redis.
func (s *RedisRecordStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}
