// Package store defines the persistence boundary of the notification engine.
// The engine treats storage as a generic record store: equality/inclusion
// filtering and exact-match lookup only, no further SQL semantics assumed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Table names used across the engine.
const (
	TableTemplates     = "notification_templates"
	TableQueue         = "notification_queue"
	TableHistory       = "notification_history"
	TableSubscriptions = "push_subscriptions"
	TableVAPIDKeys     = "vapid_keys"
	TableConversations = "whatsapp_conversations"
	TableMessages      = "whatsapp_messages"
	TableJobs          = "scheduled_jobs"

	// Directory tables consumed by the scheduler for target resolution.
	TableContracts = "contracts"
	TableUsers     = "users"
)

// ErrNotFound is returned by FindByID and FindOne when no record matches.
var ErrNotFound = errors.New("store: record not found")

// Record is one stored row, keyed by column name. Every record carries an
// "id" column.
type Record map[string]interface{}

// Filters select records by column value. A plain value means equality; a
// []interface{} value means inclusion.
type Filters map[string]interface{}

// Store is the generic record store the engine persists through.
type Store interface {
	Select(ctx context.Context, table string, filters Filters) ([]Record, error)
	Insert(ctx context.Context, table string, rec Record) error
	Update(ctx context.Context, table, id string, patch Record) error
	Delete(ctx context.Context, table, id string) error
	FindByID(ctx context.Context, table, id string) (Record, error)
	FindOne(ctx context.Context, table string, filters Filters) (Record, error)
	Count(ctx context.Context, table string, filters Filters) (int, error)
}

// ==========================
// Record accessors
// ==========================
//
// The Postgres backend surfaces text/jsonb columns as strings or raw bytes;
// the memory backend passes typed values through. The accessors normalize
// both so components read records identically against either backend.

func (r Record) Str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func (r Record) Int(key string) int {
	switch v := r[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (r Record) Bool(key string) bool {
	if v, ok := r[key].(bool); ok {
		return v
	}
	return false
}

func (r Record) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// TimePtr returns nil for absent or zero timestamps.
func (r Record) TimePtr(key string) *time.Time {
	t := r.Time(key)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Map decodes a JSON object column into a map.
func (r Record) Map(key string) map[string]interface{} {
	switch v := r[key].(type) {
	case map[string]interface{}:
		return v
	case string:
		var m map[string]interface{}
		if json.Unmarshal([]byte(v), &m) == nil {
			return m
		}
	case []byte:
		var m map[string]interface{}
		if json.Unmarshal(v, &m) == nil {
			return m
		}
	}
	return nil
}

// Strs decodes a JSON string-array column.
func (r Record) Strs(key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		if json.Unmarshal([]byte(v), &out) == nil {
			return out
		}
	case []byte:
		var out []string
		if json.Unmarshal(v, &out) == nil {
			return out
		}
	}
	return nil
}

// JSONValue encodes a map or slice for storage in a JSON column.
func JSONValue(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
