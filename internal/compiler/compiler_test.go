package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func script(path, content string) SourceFile {
	return SourceFile{Path: path, Kind: KindScript, Content: content}
}

func TestCompileNoEntryPoint(t *testing.T) {
	_, err := New(nil).Compile(Input{Files: []SourceFile{
		{Path: "styles.css", Kind: KindStyle, Content: "body{}"},
	}})
	assert.ErrorIs(t, err, ErrNoEntryPoint)
}

func TestSelectEntry(t *testing.T) {
	tests := []struct {
		name  string
		files []SourceFile
		hint  string
		want  string
	}{
		{
			name:  "explicit flag wins",
			files: []SourceFile{script("index.ts", ""), {Path: "main.ts", Kind: KindScript, IsEntryPoint: true}},
			want:  "main.ts",
		},
		{
			name:  "manifest hint",
			files: []SourceFile{script("index.ts", ""), script("widget.ts", "")},
			hint:  "./widget.ts",
			want:  "widget.ts",
		},
		{
			name:  "conventional default",
			files: []SourceFile{script("util.ts", ""), script("src/index.tsx", "")},
			want:  "src/index.tsx",
		},
		{
			name:  "first script",
			files: []SourceFile{{Path: "a.css", Kind: KindStyle}, script("b.js", ""), script("c.js", "")},
			want:  "b.js",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectEntry(tt.files, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileModule(t *testing.T) {
	in := Input{
		Files: []SourceFile{
			script("util.ts", "export const double = (n: number): number => n * 2;\n"),
			script("index.tsx", "import { double } from './util';\nimport confetti from 'canvas-confetti';\n"+
				"export default function App(props: { bridge: any }) {\n  return '<p>' + double(2) + '</p>';\n}\n"),
			{Path: "styles.css", Content: ".card { color: red; }"},
			{Path: "index.html", Content: "<!DOCTYPE html><html><head><title>x</title></head><body><div class=\"card\">Hi</div></body></html>"},
		},
		Manifest:     Manifest{ID: "m1", Name: "Counter"},
		Dependencies: []Dependency{{Name: "canvas-confetti", URL: "https://esm.sh/canvas-confetti@1.9.2"}},
	}

	out, err := New(nil).Compile(in)
	require.NoError(t, err)

	assert.Equal(t, "index.tsx", out.Manifest.EntryPoint)
	assert.Equal(t, RenderIframe, out.Manifest.RenderMode)

	assert.Contains(t, out.JavaScript, "import confetti from 'canvas-confetti';")
	assert.NotContains(t, out.JavaScript, "./util")
	assert.Contains(t, out.JavaScript, "// --- util.ts ---")
	assert.Contains(t, out.JavaScript, "const double = (n) => n * 2;")
	assert.Contains(t, out.JavaScript, "__MODULE_EXPORTS__.double = double;")
	assert.Contains(t, out.JavaScript, "function App(props) {")
	assert.Contains(t, out.JavaScript, `__MODULE_EXPORTS__["default"] = App;`)

	assert.Equal(t, "/* styles.css */\n.card { color: red; }", out.CSS)
	assert.Equal(t, "https://esm.sh/canvas-confetti@1.9.2", out.ImportMap.Imports["canvas-confetti"])
	assert.Equal(t, "https://esm.sh/canvas-confetti@1.9.2/", out.ImportMap.Imports["canvas-confetti/"])

	assert.Contains(t, out.HTML, `<div class="card">Hi</div>`)
	assert.NotContains(t, out.HTML, "<title>x</title>")
	assert.Contains(t, out.HTML, "<title>Counter</title>")
	assert.Contains(t, out.HTML, configMarker)
	assert.Contains(t, out.HTML, "global.__MODULE_BRIDGE__ = bridge")
	assert.Contains(t, out.HTML, `<script type="importmap">`)
}

func TestCompileIsDeterministic(t *testing.T) {
	in := Input{
		Files: []SourceFile{
			script("index.ts", "export default { mount(root: HTMLElement) { root.textContent = 'hi'; } };"),
			{Path: "data/b.json", Content: `{"z": 1, "a": 2}`},
			{Path: "data/a.json", Content: `[1, 2]`},
		},
		Dependencies: []Dependency{
			{Name: "zod", URL: "https://esm.sh/zod"},
			{Name: "dayjs", URL: "https://esm.sh/dayjs"},
		},
	}
	c := New(nil)
	first, err := c.Compile(in)
	require.NoError(t, err)
	second, err := c.Compile(in)
	require.NoError(t, err)

	assert.Equal(t, first.HTML, second.HTML)
	assert.Equal(t, first.Hash(), second.Hash())
	assert.Contains(t, first.HTML, `data-module-asset="data/b.json">{"a":2,"z":1}</script>`)
}

func TestCompileManifestFiles(t *testing.T) {
	t.Run("yaml merged under explicit fields", func(t *testing.T) {
		out, err := New(nil).Compile(Input{
			Files: []SourceFile{
				script("index.js", ""),
				{Path: "module.yaml", Content: "name: From YAML\nversion: \"1.2\"\nrenderMode: modal\nresizable: true\nmaxHeight: 600\npermissions:\n  - db:read\n"},
			},
			Manifest: Manifest{Name: "Explicit"},
		})
		require.NoError(t, err)
		assert.Equal(t, "Explicit", out.Manifest.Name)
		assert.Equal(t, "1.2.0", out.Manifest.Version)
		assert.Equal(t, RenderModal, out.Manifest.RenderMode)
		assert.True(t, out.Manifest.Resizable)
		assert.Equal(t, 600, out.Manifest.MaxHeight)
		assert.Equal(t, []string{"db:read"}, out.Manifest.Permissions)
		assert.NotContains(t, out.HTML, "data-module-asset=\"module.yaml\"")
	})

	t.Run("toml", func(t *testing.T) {
		out, err := New(nil).Compile(Input{
			Files: []SourceFile{
				script("index.js", ""),
				{Path: "module.toml", Content: "id = \"weather\"\nwidth = 320\n"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "weather", out.Manifest.ID)
		assert.Equal(t, 320, out.Manifest.Width)
	})

	t.Run("malformed file is skipped", func(t *testing.T) {
		out, err := New(nil).Compile(Input{
			Files: []SourceFile{
				script("index.js", ""),
				{Path: "module.yaml", Content: "name: [unterminated"},
			},
		})
		require.NoError(t, err)
		assert.Empty(t, out.Manifest.Name)
	})

	t.Run("invalid render mode", func(t *testing.T) {
		_, err := New(nil).Compile(Input{
			Files:    []SourceFile{script("index.js", "")},
			Manifest: Manifest{RenderMode: "popup"},
		})
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("unknown permission", func(t *testing.T) {
		_, err := New(nil).Compile(Input{
			Files:    []SourceFile{script("index.js", "")},
			Manifest: Manifest{Permissions: []string{"root:everything"}},
		})
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})
}

func TestCompileEscapesClosingTags(t *testing.T) {
	out, err := New(nil).Compile(Input{Files: []SourceFile{
		script("index.js", `const s = "</script>";`),
	}})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, `const s = "<\/script>";`)
}

func TestReactAutoImports(t *testing.T) {
	out, err := New(nil).Compile(Input{
		Files: []SourceFile{script("index.jsx", "export default function App() { return null; }")},
		Dependencies: []Dependency{
			{Name: "react", URL: "https://esm.sh/react@18"},
			{Name: "react-dom", URL: "https://esm.sh/react-dom@18"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, out.JavaScript, `import * as __React from "react";`)
	assert.Contains(t, out.JavaScript, `import * as __ReactDOMClient from "react-dom/client";`)
}

func TestInjectConfig(t *testing.T) {
	out, err := New(nil).Compile(Input{Files: []SourceFile{script("index.js", "")}})
	require.NoError(t, err)

	doc, err := InjectConfig(out.HTML, RuntimeConfig{
		ModuleID: "m1",
		Settings: map[string]any{"title": "</script><script>alert(1)"},
	})
	require.NoError(t, err)
	assert.NotContains(t, doc, configMarker)
	assert.Contains(t, doc, `window.__MODULE_CONFIG__ = {"moduleId":"m1"`)
	assert.NotContains(t, doc, `</script><script>alert(1)`)
	assert.Contains(t, doc, `"timeoutMs":30000`)

	_, err = InjectConfig("<html></html>", RuntimeConfig{})
	assert.ErrorIs(t, err, ErrNoConfigMarker)
}

func TestRewriteModuleSyntax(t *testing.T) {
	src := "import { a } from 'lib';\n" +
		"import '../side-effect';\n" +
		"export * from './other';\n" +
		"export async function load() {}\n" +
		"class Store {}\n" +
		"const x = 1;\n" +
		"export { x as answer, Store };\n" +
		"export default Store;\n"

	rw := rewriteModuleSyntax(src, "store.ts", false)
	assert.Equal(t, []string{"import { a } from 'lib';"}, rw.imports)
	assert.NotContains(t, rw.body, "import")
	assert.NotContains(t, rw.body, "export")
	assert.Contains(t, rw.body, "async function load() {}")
	assert.Contains(t, rw.body, "__MODULE_EXPORTS__.answer = x; __MODULE_EXPORTS__.Store = Store;")
	assert.Contains(t, rw.body, `__MODULE_EXPORTS__["store.ts"] = Store;`)
	assert.Contains(t, rw.body, "__MODULE_EXPORTS__.load = load;")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("index.ts", "export default {};")
	write("components/card.tsx", "export const Card = () => null;")
	write("styles/main.css", "body{}")
	write("module.yaml", "name: Demo\n")
	write("README.md", "# ignored")
	write("node_modules/lib/index.js", "ignored")
	write(".cache/x.js", "ignored")

	files, err := LoadDir(context.Background(), dir)
	require.NoError(t, err)

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	assert.Equal(t, []string{"components/card.tsx", "index.ts", "module.yaml", "styles/main.css"}, paths)
	assert.Equal(t, KindData, files[2].Kind)

	out, err := New(nil).Compile(Input{Files: files})
	require.NoError(t, err)
	assert.Equal(t, "index.ts", out.Manifest.EntryPoint)
	assert.Equal(t, "Demo", out.Manifest.Name)
}

func TestLoadDirRejectsNonUTF8(t *testing.T) {
	dir := t.TempDir()
	// "café" in ISO-8859-1
	latin1 := []byte("export const greeting = 'caf\xe9 au lait, tr\xe8s bien, \xe0 bient\xf4t';\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), latin1, 0o644))

	_, err := LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not UTF-8")
}
