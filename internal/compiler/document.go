package compiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// configMarker is replaced per session by InjectConfig
const configMarker = "<!--module-config-->"

// ErrNoConfigMarker is returned when a document was not produced by Compile
var ErrNoConfigMarker = errors.New("document has no module config marker")

const resetCSS = `*,*::before,*::after{box-sizing:border-box}
html,body{margin:0;padding:0}
body{font-family:system-ui,-apple-system,"Segoe UI",Roboto,sans-serif;line-height:1.5;-webkit-font-smoothing:antialiased}
img,picture,video,canvas,svg{display:block;max-width:100%}
input,button,textarea,select{font:inherit}
#module-root{min-height:100%}`

// RuntimeConfig is the per-session configuration a host injects into a
// compiled document before loading it
type RuntimeConfig struct {
	ModuleID    string         `json:"moduleId"`
	SessionID   string         `json:"sessionId,omitempty"`
	Settings    map[string]any `json:"settings"`
	Theme       any            `json:"theme,omitempty"`
	Environment string         `json:"environment,omitempty"`
	TimeoutMs   int            `json:"timeoutMs,omitempty"`
}

// InjectConfig returns doc with cfg bound to window.__MODULE_CONFIG__
func InjectConfig(doc string, cfg RuntimeConfig) (string, error) {
	if !strings.Contains(doc, configMarker) {
		return "", ErrNoConfigMarker
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]any{}
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = DefaultRequestTimeoutMs
	}
	// encoding/json escapes <, > and & so the payload cannot close the tag
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode runtime config: %w", err)
	}
	script := "<script>window.__MODULE_CONFIG__ = " + string(data) + ";</script>"
	return strings.Replace(doc, configMarker, script, 1), nil
}

// markupBody returns what a markup file contributes to the root container.
// Full documents contribute their body's inner HTML; fragments are used
// verbatim.
func markupBody(content string) string {
	if !isFullDocument(content) {
		return content
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return content
	}
	body, err := doc.Find("body").First().Html()
	if err != nil {
		return content
	}
	return strings.TrimSpace(body)
}

func isFullDocument(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "<!doctype") || strings.Contains(lower, "<html") || strings.Contains(lower, "<body")
}

// dataAsset converts a data file to JSON for embedding. ok is false when
// the file cannot be decoded; such files are skipped.
func dataAsset(file SourceFile) (string, bool) {
	var v any
	switch strings.ToLower(path.Ext(file.Path)) {
	case ".json":
		if err := json.Unmarshal([]byte(file.Content), &v); err != nil {
			return "", false
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(file.Content), &v); err != nil {
			return "", false
		}
	case ".toml":
		m := map[string]any{}
		if err := toml.Unmarshal([]byte(file.Content), &m); err != nil {
			return "", false
		}
		v = m
	default:
		return "", false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// buildImportMap maps every dependency and its subpaths to the delivery URL
func buildImportMap(deps []Dependency) ImportMap {
	imports := make(map[string]string, len(deps)*2)
	for _, d := range deps {
		if d.Name == "" || d.URL == "" {
			continue
		}
		imports[d.Name] = d.URL
		imports[d.Name+"/"] = strings.TrimRight(d.URL, "/") + "/"
	}
	return ImportMap{Imports: imports}
}

type documentParts struct {
	manifest  Manifest
	importMap ImportMap
	css       string
	markup    []string
	assets    map[string]string
	imports   []string
	script    string
}

// synthesize renders the host document. Output depends only on parts.
func synthesize(p documentParts) (string, error) {
	importMap, err := json.Marshal(p.importMap)
	if err != nil {
		return "", fmt.Errorf("encode import map: %w", err)
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	if p.manifest.ID != "" {
		fmt.Fprintf(&b, "<meta name=\"module-id\" content=\"%s\">\n", html.EscapeString(p.manifest.ID))
	}
	if p.manifest.Name != "" {
		fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(p.manifest.Name))
	}
	if p.manifest.SupportsDarkMode {
		b.WriteString("<meta name=\"color-scheme\" content=\"light dark\">\n")
	}
	b.WriteString(configMarker + "\n")
	fmt.Fprintf(&b, "<script type=\"importmap\">%s</script>\n", escapeScript(string(importMap)))
	fmt.Fprintf(&b, "<style id=\"module-reset\">\n%s\n</style>\n", resetCSS)
	if p.css != "" {
		fmt.Fprintf(&b, "<style id=\"module-styles\">\n%s\n</style>\n", escapeStyle(p.css))
	}
	fmt.Fprintf(&b, "<script>\n%s</script>\n", escapeScript(RuntimeScript()))

	names := make([]string, 0, len(p.assets))
	for name := range p.assets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "<script type=\"application/json\" data-module-asset=\"%s\">%s</script>\n",
			html.EscapeString(name), escapeScript(p.assets[name]))
	}

	b.WriteString("</head>\n<body>\n<div id=\"module-root\">")
	if len(p.markup) > 0 {
		b.WriteString("\n" + strings.Join(p.markup, "\n") + "\n")
	}
	b.WriteString("</div>\n<script type=\"module\">\n")
	for _, imp := range p.imports {
		b.WriteString(escapeScript(imp) + "\n")
	}
	b.WriteString("const " + exportsVar + " = {};\n")
	b.WriteString(escapeScript(p.script))
	b.WriteString("\n")
	b.WriteString(MountScript())
	b.WriteString("</script>\n</body>\n</html>\n")
	return b.String(), nil
}

func escapeScript(s string) string {
	return strings.ReplaceAll(s, "</script", "<\\/script")
}

func escapeStyle(s string) string {
	return strings.ReplaceAll(s, "</style", "<\\/style")
}
