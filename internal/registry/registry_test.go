package registry

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

func compile(t *testing.T, moduleID, version, body string) *compiler.CompiledModule {
	t.Helper()
	mod, err := compiler.New(nil).Compile(compiler.Input{
		Files: []compiler.SourceFile{{
			Path:    "index.js",
			Kind:    compiler.KindScript,
			Content: "export default function App() { return '" + body + "'; }\n",
		}},
		Manifest: compiler.Manifest{ID: moduleID, Version: version},
	})
	require.NoError(t, err)
	return mod
}

func TestManagerSaveLoad(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil)

	entry, err := m.Save(ctx, compile(t, "notes", "1.0.0", "a"))
	require.NoError(t, err)
	assert.Equal(t, "notes", entry.ID())
	assert.NotEmpty(t, entry.Hash)

	got, err := m.Load(ctx, "notes")
	require.NoError(t, err)
	assert.Same(t, entry, got)

	_, err = m.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Save(ctx, &compiler.CompiledModule{})
	assert.Error(t, err)
}

func TestManagerRejectsOlderVersions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil)

	first, err := m.Save(ctx, compile(t, "notes", "1.2.0", "a"))
	require.NoError(t, err)

	_, err = m.Save(ctx, compile(t, "notes", "1.1.9", "b"))
	assert.ErrorIs(t, err, ErrStaleVersion)

	next, err := m.Save(ctx, compile(t, "notes", "1.3.0", "c"))
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, next.CreatedAt)
	assert.NotEqual(t, first.Hash, next.Hash)

	// unversioned builds replace whatever is registered
	_, err = m.Save(ctx, compile(t, "notes", "", "d"))
	require.NoError(t, err)
}

func TestManagerPersistsToBlobStore(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory("https://blobs.test", "")

	writer := NewManager(blobs, nil)
	for _, id := range []string{"b-mod", "a-mod"} {
		_, err := writer.Save(ctx, compile(t, id, "1.0.0", id))
		require.NoError(t, err)
	}

	// a fresh manager sees the persisted modules
	reader := NewManager(blobs, nil)
	list, err := reader.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-mod", list[0].ID)
	assert.Equal(t, "b-mod", list[1].ID)
	assert.Equal(t, "1.0.0", list[0].Version)

	entry, err := reader.Load(ctx, "a-mod")
	require.NoError(t, err)
	assert.Contains(t, entry.Module.HTML, "a-mod")

	require.NoError(t, reader.Delete(ctx, "a-mod"))
	_, err = NewManager(blobs, nil).Load(ctx, "a-mod")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, reader.Stats().TotalModules)
}

func TestManagerEvictsPersistedEntries(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory("https://blobs.test", "")
	m := NewManager(blobs, nil)
	mod := compile(t, "base", "", "x")

	for i := 0; i <= CacheEvictionThreshold; i++ {
		clone := *mod
		clone.Manifest.ID = "m" + strconv.Itoa(i)
		_, err := m.Save(ctx, &clone)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, m.Stats().Cached, int64(CacheEvictionThreshold))

	// evicted entries load back from the store
	_, err := m.Load(ctx, "m0")
	require.NoError(t, err)
}

func writeModule(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestSeeder(t *testing.T) {
	root := t.TempDir()
	writeModule(t, filepath.Join(root, "clock"), map[string]string{
		"index.js": "export default function App() { return '<time>now</time>'; }\n",
	})
	writeModule(t, filepath.Join(root, "weather"), map[string]string{
		"main.js":     "export function Widget() { return '<p>sunny</p>'; }\n",
		"module.yaml": "id: forecast\nname: Forecast\nversion: 2.0.0\n",
	})
	writeModule(t, filepath.Join(root, "broken"), map[string]string{
		"readme.md": "no scripts here",
	})
	writeModule(t, filepath.Join(root, "skipped-draft"), map[string]string{
		"index.js": "export default function App() {}\n",
	})

	m := NewManager(nil, nil)
	s := NewSeeder(m, compiler.New(nil), root, "{clock,weather,broken}", nil)
	result, err := s.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Loaded: 2, Failed: 1}, result)

	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "clock", list[0].ID)
	assert.Equal(t, "forecast", list[1].ID)
	assert.Equal(t, "2.0.0", list[1].Version)
}

func TestSeederMissingDirectory(t *testing.T) {
	s := NewSeeder(NewManager(nil, nil), compiler.New(nil), filepath.Join(t.TempDir(), "none"), "", nil)
	result, err := s.Seed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result)

	_, err = NewSeeder(NewManager(nil, nil), compiler.New(nil), t.TempDir(), "[", nil).Seed(context.Background())
	assert.Error(t, err)
}
