package store

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// MemoryKeyedData is an in-process KeyedDataStore
type MemoryKeyedData struct {
	mu      sync.RWMutex
	records map[string]*Record // by id
	byKey   map[string]string  // scope/dataKey -> id
	now     func() time.Time
}

// NewMemoryKeyedData creates an empty keyed-data store
func NewMemoryKeyedData() *MemoryKeyedData {
	return &MemoryKeyedData{
		records: make(map[string]*Record),
		byKey:   make(map[string]string),
		now:     time.Now,
	}
}

func keyIndex(scope Scope, dataKey string) string {
	return scope.String() + "\x00" + dataKey
}

func (m *MemoryKeyedData) Query(ctx context.Context, scope Scope, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if r.ModuleID != scope.ModuleID || r.SiteID != scope.SiteID {
			continue
		}
		if q.DataKey != "" && r.DataKey != q.DataKey {
			continue
		}
		if q.KeyPrefix != "" && !strings.HasPrefix(r.DataKey, q.KeyPrefix) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DataKey < out[j].DataKey })
	return page(out, q.Offset, q.Limit), nil
}

func (m *MemoryKeyedData) Insert(ctx context.Context, scope Scope, dataKey string, value json.RawMessage) (Record, error) {
	value, err := NormalizeJSON(value)
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[keyIndex(scope, dataKey)]; exists {
		return Record{}, ErrConflict
	}
	return m.insertLocked(scope, dataKey, value), nil
}

func (m *MemoryKeyedData) insertLocked(scope Scope, dataKey string, value json.RawMessage) Record {
	now := m.now()
	r := &Record{
		ID:        id.NewRecordID(),
		ModuleID:  scope.ModuleID,
		SiteID:    scope.SiteID,
		DataKey:   dataKey,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records[r.ID] = r
	m.byKey[keyIndex(scope, dataKey)] = r.ID
	return *r
}

func (m *MemoryKeyedData) lookupLocked(scope Scope, sel Selector) (*Record, bool) {
	if sel.ID != "" {
		r, ok := m.records[sel.ID]
		if !ok || r.ModuleID != scope.ModuleID || r.SiteID != scope.SiteID {
			return nil, false
		}
		return r, true
	}
	rid, ok := m.byKey[keyIndex(scope, sel.DataKey)]
	if !ok {
		return nil, false
	}
	return m.records[rid], true
}

func (m *MemoryKeyedData) Update(ctx context.Context, scope Scope, sel Selector, value json.RawMessage) (Record, error) {
	value, err := NormalizeJSON(value)
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookupLocked(scope, sel)
	if !ok {
		return Record{}, ErrNotFound
	}
	if !bytes.Equal(r.Value, value) {
		r.Value = value
		r.UpdatedAt = m.now()
	}
	return *r, nil
}

func (m *MemoryKeyedData) Delete(ctx context.Context, scope Scope, sel Selector) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookupLocked(scope, sel)
	if !ok {
		return 0, nil
	}
	delete(m.records, r.ID)
	delete(m.byKey, keyIndex(scope, r.DataKey))
	return 1, nil
}

func (m *MemoryKeyedData) Upsert(ctx context.Context, scope Scope, dataKey string, value json.RawMessage) (Record, error) {
	value, err := NormalizeJSON(value)
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookupLocked(scope, Selector{DataKey: dataKey})
	if !ok {
		return m.insertLocked(scope, dataKey, value), nil
	}
	if !bytes.Equal(r.Value, value) {
		r.Value = value
		r.UpdatedAt = m.now()
	}
	return *r, nil
}

// Len returns the number of stored records
func (m *MemoryKeyedData) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MemoryQuota is an in-process QuotaStore. Reserve holds the store mutex so
// the check and the increment are one step.
type MemoryQuota struct {
	mu         sync.Mutex
	quotas     map[Scope]*Quota
	defaultMax int64
	now        func() time.Time
}

// NewMemoryQuota creates a quota store whose lazily created records get
// defaultMax as their ceiling
func NewMemoryQuota(defaultMax int64) *MemoryQuota {
	return &MemoryQuota{
		quotas:     make(map[Scope]*Quota),
		defaultMax: defaultMax,
		now:        time.Now,
	}
}

func (m *MemoryQuota) getLocked(scope Scope) *Quota {
	q, ok := m.quotas[scope]
	if !ok {
		q = &Quota{
			ModuleID:       scope.ModuleID,
			SiteID:         scope.SiteID,
			MaxSizeBytes:   m.defaultMax,
			LastAccessedAt: m.now(),
		}
		m.quotas[scope] = q
	}
	return q
}

func (m *MemoryQuota) Get(ctx context.Context, scope Scope) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getLocked(scope), nil
}

// SetMax overrides the ceiling for one scope
func (m *MemoryQuota) SetMax(scope Scope, max int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getLocked(scope).MaxSizeBytes = max
}

func (m *MemoryQuota) Reserve(ctx context.Context, scope Scope, n int64) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.getLocked(scope)
	if q.UsedSizeBytes+n >= q.MaxSizeBytes {
		return *q, ErrQuotaExceeded
	}
	q.UsedSizeBytes += n
	q.LastAccessedAt = m.now()
	return *q, nil
}

func (m *MemoryQuota) Release(ctx context.Context, scope Scope, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.getLocked(scope)
	q.UsedSizeBytes -= n
	if q.UsedSizeBytes < 0 {
		q.UsedSizeBytes = 0
	}
	return nil
}

func (m *MemoryQuota) Reconcile(ctx context.Context, scope Scope, usedBytes int64, fileCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.getLocked(scope)
	q.UsedSizeBytes = usedBytes
	q.FileCount = fileCount
	q.LastAccessedAt = m.now()
	return nil
}

// MemorySecrets is an in-process SecretStore
type MemorySecrets struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemorySecrets creates an empty secret store
func NewMemorySecrets() *MemorySecrets {
	return &MemorySecrets{secrets: make(map[string][]byte)}
}

func (m *MemorySecrets) Put(ctx context.Context, scope Scope, name string, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[keyIndex(scope, name)] = bytes.Clone(sealed)
	return nil
}

func (m *MemorySecrets) Get(ctx context.Context, scope Scope, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[keyIndex(scope, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *MemorySecrets) Exists(ctx context.Context, scope Scope, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.secrets[keyIndex(scope, name)]
	return ok, nil
}

func (m *MemorySecrets) Delete(ctx context.Context, scope Scope, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyIndex(scope, name)
	_, ok := m.secrets[k]
	delete(m.secrets, k)
	return ok, nil
}

// MemoryEventLog is an in-process EventLog
type MemoryEventLog struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryEventLog creates an empty event log
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (m *MemoryEventLog) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = id.NewEventID().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.Processed = false

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryEventLog) Pending(ctx context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.events {
		if ev.Processed {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryEventLog) MarkProcessed(ctx context.Context, ids ...string) error {
	want := make(map[string]struct{}, len(ids))
	for _, i := range ids {
		want[i] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if _, ok := want[m.events[i].ID]; ok {
			m.events[i].Processed = true
		}
	}
	return nil
}

// All returns a copy of every event, processed or not
func (m *MemoryEventLog) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// MemorySettings is an in-process SettingsStore
type MemorySettings struct {
	mu       sync.RWMutex
	settings map[Scope]map[string]any
}

// NewMemorySettings creates an empty settings store
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{settings: make(map[Scope]map[string]any)}
}

func (m *MemorySettings) Load(ctx context.Context, scope Scope) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[scope]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(s), nil
}

func (m *MemorySettings) Save(ctx context.Context, scope Scope, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[scope] = maps.Clone(settings)
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
