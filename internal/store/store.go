package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("already exists")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Scope identifies the (module, site) pair a resource belongs to
type Scope struct {
	ModuleID string
	SiteID   string
}

func (s Scope) String() string {
	return s.ModuleID + "/" + s.SiteID
}

// Record is one row of the shared keyed-data table
type Record struct {
	ID        string          `json:"id"`
	ModuleID  string          `json:"moduleId"`
	SiteID    string          `json:"siteId"`
	DataKey   string          `json:"dataKey"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Selector picks a record by primary identifier or by data key
type Selector struct {
	ID      string
	DataKey string
}

// Empty reports whether neither field is set
func (s Selector) Empty() bool {
	return s.ID == "" && s.DataKey == ""
}

// Query filters keyed-data records within a scope
type Query struct {
	DataKey   string
	KeyPrefix string
	Limit     int
	Offset    int
}

// KeyedDataStore is the relational collaborator behind DB_* operations
type KeyedDataStore interface {
	Query(ctx context.Context, scope Scope, q Query) ([]Record, error)
	Insert(ctx context.Context, scope Scope, dataKey string, value json.RawMessage) (Record, error)
	Update(ctx context.Context, scope Scope, sel Selector, value json.RawMessage) (Record, error)
	Delete(ctx context.Context, scope Scope, sel Selector) (int, error)
	// Upsert is keyed on (module, site, dataKey). Writing an identical value
	// leaves the stored record untouched.
	Upsert(ctx context.Context, scope Scope, dataKey string, value json.RawMessage) (Record, error)
}

// Quota is the storage bucket record for one (module, site) pair
type Quota struct {
	ModuleID       string    `json:"moduleId"`
	SiteID         string    `json:"siteId"`
	MaxSizeBytes   int64     `json:"maxSizeBytes"`
	UsedSizeBytes  int64     `json:"usedSizeBytes"`
	FileCount      int       `json:"fileCount"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Remaining returns how many bytes can still be reserved
func (q Quota) Remaining() int64 {
	if r := q.MaxSizeBytes - q.UsedSizeBytes; r > 0 {
		return r
	}
	return 0
}

// QuotaStore tracks storage usage. Records are created lazily with the
// store's default ceiling and are never deleted automatically.
type QuotaStore interface {
	Get(ctx context.Context, scope Scope) (Quota, error)
	// Reserve atomically adds bytes to the usage if used+bytes stays below
	// the ceiling. On refusal it returns ErrQuotaExceeded together with the
	// unchanged record.
	Reserve(ctx context.Context, scope Scope, bytes int64) (Quota, error)
	Release(ctx context.Context, scope Scope, bytes int64) error
	// Reconcile overwrites usage with a recomputed value
	Reconcile(ctx context.Context, scope Scope, usedBytes int64, fileCount int) error
}

// SecretStore persists sealed secret values. It never sees plaintext.
type SecretStore interface {
	Put(ctx context.Context, scope Scope, name string, sealed []byte) error
	Get(ctx context.Context, scope Scope, name string) ([]byte, error)
	Exists(ctx context.Context, scope Scope, name string) (bool, error)
	Delete(ctx context.Context, scope Scope, name string) (bool, error)
}

// Event is a durably enqueued module event awaiting out-of-band delivery
type Event struct {
	ID             string          `json:"id"`
	EventName      string          `json:"eventName"`
	SourceModuleID string          `json:"sourceModuleId"`
	TargetModuleID string          `json:"targetModuleId,omitempty"`
	SiteID         string          `json:"siteId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Processed      bool            `json:"processed"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// EventLog is the durable sink behind EVENT_EMIT. Delivery is the job of an
// external processor reading Pending.
type EventLog interface {
	Append(ctx context.Context, ev Event) (Event, error)
	Pending(ctx context.Context, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, ids ...string) error
}

// SettingsStore persists a module installation's settings document
type SettingsStore interface {
	Load(ctx context.Context, scope Scope) (map[string]any, error)
	Save(ctx context.Context, scope Scope, settings map[string]any) error
}

// NormalizeJSON re-encodes a JSON document so that equal values compare
// equal byte-wise (object keys sorted, insignificant whitespace removed)
func NormalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON value: trailing data")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
