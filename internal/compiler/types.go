package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoEntryPoint is returned when no script file can serve as the entry
var ErrNoEntryPoint = errors.New("no entry point: module has no script files")

// FileKind classifies a source file
type FileKind string

const (
	KindScript FileKind = "script"
	KindStyle  FileKind = "style"
	KindMarkup FileKind = "markup"
	KindData   FileKind = "data"
)

// Valid reports whether k is a known kind
func (k FileKind) Valid() bool {
	switch k {
	case KindScript, KindStyle, KindMarkup, KindData:
		return true
	}
	return false
}

// SourceFile is one input file in declaration order
type SourceFile struct {
	Path         string   `json:"path"`
	Kind         FileKind `json:"kind"`
	Content      string   `json:"content"`
	IsEntryPoint bool     `json:"isEntryPoint,omitempty"`
}

// Dependency maps a bare import specifier to a delivery URL
type Dependency struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RenderMode controls how the host embeds the module
type RenderMode string

const (
	RenderIframe RenderMode = "iframe"
	RenderInline RenderMode = "inline"
	RenderModal  RenderMode = "modal"
	RenderDrawer RenderMode = "drawer"
)

// Valid reports whether m is a known render mode
func (m RenderMode) Valid() bool {
	switch m {
	case RenderIframe, RenderInline, RenderModal, RenderDrawer:
		return true
	}
	return false
}

// Manifest describes the compiled module to the host
type Manifest struct {
	ID               string     `json:"id" yaml:"id" toml:"id"`
	Name             string     `json:"name,omitempty" yaml:"name" toml:"name"`
	Version          string     `json:"version,omitempty" yaml:"version" toml:"version"`
	EntryPoint       string     `json:"entryPoint" yaml:"entryPoint" toml:"entryPoint"`
	RenderMode       RenderMode `json:"renderMode" yaml:"renderMode" toml:"renderMode"`
	Width            int        `json:"width,omitempty" yaml:"width" toml:"width"`
	Height           int        `json:"height,omitempty" yaml:"height" toml:"height"`
	MinHeight        int        `json:"minHeight,omitempty" yaml:"minHeight" toml:"minHeight"`
	MaxHeight        int        `json:"maxHeight,omitempty" yaml:"maxHeight" toml:"maxHeight"`
	Resizable        bool       `json:"resizable" yaml:"resizable" toml:"resizable"`
	SupportsDarkMode bool       `json:"supportsDarkMode" yaml:"supportsDarkMode" toml:"supportsDarkMode"`
	SupportsOffline  bool       `json:"supportsOffline" yaml:"supportsOffline" toml:"supportsOffline"`
	Permissions      []string   `json:"permissions,omitempty" yaml:"permissions" toml:"permissions"`
}

// ClampHeight bounds h by the declared minimum and maximum
func (m Manifest) ClampHeight(h int) int {
	if m.MinHeight > 0 && h < m.MinHeight {
		h = m.MinHeight
	}
	if m.MaxHeight > 0 && h > m.MaxHeight {
		h = m.MaxHeight
	}
	return h
}

// Input is everything the compiler needs for one build
type Input struct {
	Files        []SourceFile `json:"files"`
	Manifest     Manifest     `json:"manifest"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// ImportMap is the browser import map embedded in the document
type ImportMap struct {
	Imports map[string]string `json:"imports"`
}

// CompiledModule is an immutable build output. Recompiling produces a new
// value; nothing mutates one after Compile returns.
type CompiledModule struct {
	HTML       string    `json:"html"`
	JavaScript string    `json:"javascript"`
	CSS        string    `json:"css"`
	ImportMap  ImportMap `json:"importMap"`
	Manifest   Manifest  `json:"manifest"`
}

// Hash returns a content hash of the document, usable as a cache key
func (c *CompiledModule) Hash() string {
	sum := sha256.Sum256([]byte(c.HTML))
	return hex.EncodeToString(sum[:])
}

// ETag formats the hash as a strong HTTP entity tag
func (c *CompiledModule) ETag() string {
	return fmt.Sprintf("%q", c.Hash()[:32])
}
