package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
)

func TestRunWritesBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clock")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"),
		[]byte("export default function App() { return '<time>now</time>'; }\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style.css"), []byte("time { color: red; }\n"), 0o644))

	out := filepath.Join(t.TempDir(), "dist")
	deps := []compiler.Dependency{{Name: "lodash", URL: "https://cdn.example.com/lodash.js"}}
	require.NoError(t, run(dir, out, compiler.Manifest{Version: "1.0.0"}, deps, zap.NewNop()))

	for _, name := range []string{"index.html", "module.js", "module.css", "manifest.json", "importmap.json"} {
		assert.FileExists(t, filepath.Join(out, name))
	}

	data, err := os.ReadFile(filepath.Join(out, "manifest.json"))
	require.NoError(t, err)
	var manifest compiler.Manifest
	require.NoError(t, sonic.Unmarshal(data, &manifest))
	assert.Equal(t, "clock", manifest.ID)
	assert.Equal(t, "1.0.0", manifest.Version)

	data, err = os.ReadFile(filepath.Join(out, "importmap.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://cdn.example.com/lodash.js")
}

func TestRunFailsWithoutScripts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("nothing"), 0o644))
	assert.Error(t, run(dir, filepath.Join(dir, "out"), compiler.Manifest{}, nil, zap.NewNop()))
}

func TestDepFlags(t *testing.T) {
	var d depFlags
	require.NoError(t, d.Set("react=https://esm.sh/react"))
	assert.Error(t, d.Set("missing-url"))
	assert.Error(t, d.Set("=https://x"))
	assert.Equal(t, "react=https://esm.sh/react", d.String())
}
