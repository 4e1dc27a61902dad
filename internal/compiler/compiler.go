// Package compiler turns a module's source files into a single
// self-contained host document.
//
// Type stripping is a best-effort textual normalization, not a TypeScript
// front end. Modules are expected to stay within the authoring subset the
// stripper handles; anything it mangles surfaces as a MODULE_ERROR when the
// document executes, never as a compile failure.
package compiler

import (
	"path"
	"strings"

	"go.uber.org/zap"
)

// defaultEntries are tried in order when no file is flagged as the entry
var defaultEntries = []string{
	"index.tsx", "index.ts", "index.jsx", "index.js",
	"src/index.tsx", "src/index.ts", "src/index.jsx", "src/index.js",
}

var scriptExts = map[string]FileKind{
	".ts": KindScript, ".tsx": KindScript, ".js": KindScript, ".jsx": KindScript,
	".mjs": KindScript, ".mts": KindScript,
	".css":  KindStyle,
	".html": KindMarkup, ".htm": KindMarkup,
	".json": KindData, ".yaml": KindData, ".yml": KindData, ".toml": KindData,
}

// KindFromPath classifies a file by extension, returning "" when unknown
func KindFromPath(p string) FileKind {
	return scriptExts[strings.ToLower(path.Ext(p))]
}

// Compiler builds CompiledModules. It holds no per-build state and is safe
// for concurrent use.
type Compiler struct {
	log *zap.Logger
}

// New creates a compiler. A nil logger disables logging.
func New(log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{log: log}
}

// Compile builds one module. Only a missing entry point or an invalid
// manifest fail the build; individual files that cannot be processed are
// skipped or embedded as-is.
func (c *Compiler) Compile(in Input) (*CompiledModule, error) {
	files := c.classify(in.Files)

	manifest := Manifest{}
	for _, f := range files {
		if f.Kind != KindData || !IsManifestFile(f.Path) {
			continue
		}
		parsed, err := ParseManifest(f.Path, f.Content)
		if err != nil {
			c.log.Warn("Skipping malformed manifest file", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		manifest = Merge(manifest, parsed)
	}
	manifest = Merge(manifest, in.Manifest)

	entry, err := selectEntry(files, manifest.EntryPoint)
	if err != nil {
		return nil, err
	}
	manifest.EntryPoint = entry

	manifest, err = manifest.Normalize()
	if err != nil {
		return nil, err
	}

	var (
		sections []string
		imports  = autoImports(in.Dependencies)
		styles   []string
		markup   []string
		assets   = map[string]string{}
	)
	for _, f := range files {
		switch f.Kind {
		case KindScript:
			rw := rewriteModuleSyntax(StripTypes(f.Content), f.Path, f.Path == entry)
			imports = append(imports, rw.imports...)
			sections = append(sections, "// --- "+f.Path+" ---\n"+rw.body)
		case KindStyle:
			styles = append(styles, "/* "+f.Path+" */\n"+strings.TrimRight(f.Content, " \t\n"))
		case KindMarkup:
			markup = append(markup, markupBody(f.Content))
		case KindData:
			if IsManifestFile(f.Path) {
				continue
			}
			asset, ok := dataAsset(f)
			if !ok {
				c.log.Warn("Skipping undecodable data file", zap.String("path", f.Path))
				continue
			}
			assets[f.Path] = asset
		}
	}
	imports = dedupeImports(imports)

	script := strings.Join(sections, "\n\n")
	css := strings.Join(styles, "\n\n")
	importMap := buildImportMap(in.Dependencies)

	doc, err := synthesize(documentParts{
		manifest:  manifest,
		importMap: importMap,
		css:       css,
		markup:    markup,
		assets:    assets,
		imports:   imports,
		script:    script,
	})
	if err != nil {
		return nil, err
	}

	js := script
	if len(imports) > 0 {
		js = strings.Join(imports, "\n") + "\n\n" + script
	}

	c.log.Debug("Compiled module",
		zap.String("module_id", manifest.ID),
		zap.String("entry", entry),
		zap.Int("scripts", len(sections)),
		zap.Int("styles", len(styles)),
		zap.Int("imports", len(imports)))

	return &CompiledModule{
		HTML:       doc,
		JavaScript: js,
		CSS:        css,
		ImportMap:  importMap,
		Manifest:   manifest,
	}, nil
}

// classify cleans paths and fills in missing kinds. Files whose kind cannot
// be determined are dropped.
func (c *Compiler) classify(in []SourceFile) []SourceFile {
	out := make([]SourceFile, 0, len(in))
	for _, f := range in {
		f.Path = cleanPath(f.Path)
		if !f.Kind.Valid() {
			f.Kind = KindFromPath(f.Path)
		}
		if f.Kind == "" {
			c.log.Warn("Skipping file of unknown kind", zap.String("path", f.Path))
			continue
		}
		out = append(out, f)
	}
	return out
}

// selectEntry picks the entry script: an explicit flag, then the manifest's
// entryPoint, then a conventional default, then the first script
func selectEntry(files []SourceFile, hint string) (string, error) {
	var scripts []string
	present := map[string]bool{}
	for _, f := range files {
		if f.Kind != KindScript {
			continue
		}
		if f.IsEntryPoint {
			return f.Path, nil
		}
		scripts = append(scripts, f.Path)
		present[f.Path] = true
	}
	if len(scripts) == 0 {
		return "", ErrNoEntryPoint
	}
	if hint = cleanPath(hint); hint != "" && present[hint] {
		return hint, nil
	}
	for _, candidate := range defaultEntries {
		if present[candidate] {
			return candidate, nil
		}
	}
	return scripts[0], nil
}

// autoImports binds React for the mount call when the module depends on it
func autoImports(deps []Dependency) []string {
	var out []string
	for _, d := range deps {
		switch d.Name {
		case "react":
			out = append(out, `import * as __React from "react";`)
		case "react-dom":
			out = append(out, `import * as __ReactDOMClient from "react-dom/client";`)
		}
	}
	return out
}

func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "./")
}
