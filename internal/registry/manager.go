package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

var (
	ErrNotFound     = errors.New("module not registered")
	ErrStaleVersion = errors.New("module version is older than the registered one")
)

const (
	// MaxCacheSize defines the maximum number of modules kept in memory
	MaxCacheSize = 1000
	// CacheEvictionThreshold defines when to trigger eviction (90% of max)
	CacheEvictionThreshold = 900
)

// keyPrefix namespaces registry objects in the blob store
const keyPrefix = "registry/"

// Entry is a compiled module together with its registry metadata
type Entry struct {
	Module    *compiler.CompiledModule `json:"module"`
	Hash      string                   `json:"hash"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// ID returns the module identifier
func (e *Entry) ID() string { return e.Module.Manifest.ID }

// Metadata is the listing view of an entry
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Version   string    `json:"version,omitempty"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata returns the listing view of e
func (e *Entry) Metadata() Metadata {
	m := e.Module.Manifest
	return Metadata{ID: m.ID, Name: m.Name, Version: m.Version, Hash: e.Hash, UpdatedAt: e.UpdatedAt}
}

// Stats summarizes the registry
type Stats struct {
	TotalModules int        `json:"totalModules"`
	Cached       int64      `json:"cached"`
	LastUpdated  *time.Time `json:"lastUpdated,omitempty"`
}

// Manager keeps compiled modules by id. With a blob store, entries are
// persisted and the in-memory cache is bounded; without one the cache is
// the registry.
type Manager struct {
	entries   sync.Map // module id -> *Entry
	cacheSize int64
	evicting  int32
	blobs     blob.Store
	log       *zap.Logger
	now       func() time.Time
}

// NewManager creates a registry manager. blobs may be nil.
func NewManager(blobs blob.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{blobs: blobs, log: log.Named("registry"), now: time.Now}
}

func entryKey(moduleID string) string {
	return keyPrefix + moduleID + ".json"
}

// Save registers mod. A module already registered with a newer version is
// kept and ErrStaleVersion returned.
func (m *Manager) Save(ctx context.Context, mod *compiler.CompiledModule) (*Entry, error) {
	if mod == nil || mod.Manifest.ID == "" {
		return nil, fmt.Errorf("module ID is required")
	}
	moduleID := mod.Manifest.ID

	now := m.now().UTC()
	entry := &Entry{Module: mod, Hash: mod.Hash(), CreatedAt: now, UpdatedAt: now}
	existing, err := m.Load(ctx, moduleID)
	switch {
	case err == nil:
		if older(mod.Manifest.Version, existing.Module.Manifest.Version) {
			return nil, fmt.Errorf("%w: %s %s < %s", ErrStaleVersion, moduleID,
				mod.Manifest.Version, existing.Module.Manifest.Version)
		}
		entry.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if m.blobs != nil {
		data, err := sonic.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal module: %w", err)
		}
		if _, err := m.blobs.Put(ctx, entryKey(moduleID), data, blob.PutOptions{
			ContentType: "application/json",
			Overwrite:   true,
		}); err != nil {
			return nil, fmt.Errorf("failed to write module: %w", err)
		}
	}

	m.cache(moduleID, entry)
	m.log.Info("Module registered",
		zap.String("module_id", moduleID),
		zap.String("version", mod.Manifest.Version),
		zap.String("hash", entry.Hash))
	return entry, nil
}

// older reports whether version a is strictly older than b. Unversioned
// modules never block a save.
func older(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.LessThan(vb)
}

// Load returns the registered module
func (m *Manager) Load(ctx context.Context, moduleID string) (*Entry, error) {
	if cached, ok := m.entries.Load(moduleID); ok {
		return cached.(*Entry), nil
	}
	if m.blobs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, moduleID)
	}

	data, _, err := m.blobs.Get(ctx, entryKey(moduleID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, moduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	var entry Entry
	if err := sonic.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal module %s: %w", moduleID, err)
	}
	if entry.Module == nil || entry.ID() != moduleID {
		return nil, fmt.Errorf("module %s has a mismatched ID", moduleID)
	}

	m.cache(moduleID, &entry)
	return &entry, nil
}

// List returns metadata for every registered module, sorted by id
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	if m.blobs != nil {
		objs, err := m.blobs.List(ctx, keyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list modules: %w", err)
		}
		for _, obj := range objs {
			moduleID := strings.TrimSuffix(strings.TrimPrefix(obj.Key, keyPrefix), ".json")
			if _, ok := m.entries.Load(moduleID); ok {
				continue
			}
			if _, err := m.Load(ctx, moduleID); err != nil {
				m.log.Warn("Skipping unreadable module", zap.String("key", obj.Key), zap.Error(err))
			}
		}
	}

	var out []Metadata
	m.entries.Range(func(_, value any) bool {
		out = append(out, value.(*Entry).Metadata())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a module. Deleting an unknown module is not an error.
func (m *Manager) Delete(ctx context.Context, moduleID string) error {
	if m.blobs != nil {
		if _, err := m.blobs.Delete(ctx, entryKey(moduleID)); err != nil {
			return fmt.Errorf("failed to delete module: %w", err)
		}
	}
	if _, existed := m.entries.LoadAndDelete(moduleID); existed {
		atomic.AddInt64(&m.cacheSize, -1)
	}
	return nil
}

// Stats returns registry statistics for the cached entries
func (m *Manager) Stats() Stats {
	var stats Stats
	m.entries.Range(func(_, value any) bool {
		e := value.(*Entry)
		stats.TotalModules++
		if stats.LastUpdated == nil || e.UpdatedAt.After(*stats.LastUpdated) {
			t := e.UpdatedAt
			stats.LastUpdated = &t
		}
		return true
	})
	stats.Cached = atomic.LoadInt64(&m.cacheSize)
	return stats
}

func (m *Manager) cache(moduleID string, entry *Entry) {
	if _, existed := m.entries.Swap(moduleID, entry); existed {
		return
	}
	if atomic.AddInt64(&m.cacheSize, 1) > CacheEvictionThreshold && m.blobs != nil {
		m.evictCacheEntries()
	}
}

// evictCacheEntries drops cached entries once the cache grows too large.
// Only persisted registries evict; evicted entries reload on demand.
func (m *Manager) evictCacheEntries() {
	if !atomic.CompareAndSwapInt32(&m.evicting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.evicting, 0)

	currentSize := atomic.LoadInt64(&m.cacheSize)
	if currentSize <= CacheEvictionThreshold {
		return
	}
	target := currentSize - CacheEvictionThreshold + 100

	// sync.Map has no order, so this is pseudo-random
	var evicted int64
	m.entries.Range(func(key, _ any) bool {
		if evicted >= target {
			return false
		}
		if _, ok := m.entries.LoadAndDelete(key); ok {
			evicted++
		}
		return true
	})
	atomic.AddInt64(&m.cacheSize, -evicted)
	m.log.Debug("Evicted registry cache entries", zap.Int64("count", evicted))
}
