package compiler

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

// ErrInvalidManifest wraps every manifest validation failure
var ErrInvalidManifest = errors.New("invalid manifest")

// manifestFileNames are the data files merged into the manifest
var manifestFileNames = map[string]bool{
	"module.yaml": true,
	"module.yml":  true,
	"module.toml": true,
}

// IsManifestFile reports whether p names a manifest data file
func IsManifestFile(p string) bool {
	return manifestFileNames[strings.ToLower(path.Base(p))]
}

// ParseManifest decodes a manifest data file, choosing the format by
// extension
func ParseManifest(p, content string) (Manifest, error) {
	var m Manifest
	var err error
	switch strings.ToLower(path.Ext(p)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(content), &m)
	case ".toml":
		err = toml.Unmarshal([]byte(content), &m)
	default:
		return Manifest{}, fmt.Errorf("%w: unsupported manifest format %q", ErrInvalidManifest, p)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, p, err)
	}
	return m, nil
}

// Merge overlays the non-zero fields of explicit onto base. Booleans can
// only be switched on by the overlay.
func Merge(base, explicit Manifest) Manifest {
	out := base
	if explicit.ID != "" {
		out.ID = explicit.ID
	}
	if explicit.Name != "" {
		out.Name = explicit.Name
	}
	if explicit.Version != "" {
		out.Version = explicit.Version
	}
	if explicit.EntryPoint != "" {
		out.EntryPoint = explicit.EntryPoint
	}
	if explicit.RenderMode != "" {
		out.RenderMode = explicit.RenderMode
	}
	if explicit.Width != 0 {
		out.Width = explicit.Width
	}
	if explicit.Height != 0 {
		out.Height = explicit.Height
	}
	if explicit.MinHeight != 0 {
		out.MinHeight = explicit.MinHeight
	}
	if explicit.MaxHeight != 0 {
		out.MaxHeight = explicit.MaxHeight
	}
	out.Resizable = out.Resizable || explicit.Resizable
	out.SupportsDarkMode = out.SupportsDarkMode || explicit.SupportsDarkMode
	out.SupportsOffline = out.SupportsOffline || explicit.SupportsOffline
	if len(explicit.Permissions) > 0 {
		out.Permissions = explicit.Permissions
	}
	return out
}

// Normalize applies defaults and validates m
func (m Manifest) Normalize() (Manifest, error) {
	if m.RenderMode == "" {
		m.RenderMode = RenderIframe
	}
	if !m.RenderMode.Valid() {
		return m, fmt.Errorf("%w: unknown render mode %q", ErrInvalidManifest, m.RenderMode)
	}
	if m.Version != "" {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return m, fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, m.Version, err)
		}
		m.Version = v.String()
	}
	if m.Width < 0 || m.Height < 0 || m.MinHeight < 0 || m.MaxHeight < 0 {
		return m, fmt.Errorf("%w: dimensions must not be negative", ErrInvalidManifest)
	}
	if m.MaxHeight > 0 && m.MinHeight > m.MaxHeight {
		return m, fmt.Errorf("%w: minHeight %d exceeds maxHeight %d", ErrInvalidManifest, m.MinHeight, m.MaxHeight)
	}
	perms, err := protocol.ParsePermissionSet(m.Permissions)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.Permissions = perms.Strings()
	return m, nil
}

// PermissionSet returns the declared permissions. Unknown entries are
// skipped; Normalize rejects them earlier.
func (m Manifest) PermissionSet() protocol.PermissionSet {
	set := protocol.NewPermissionSet()
	for _, p := range m.Permissions {
		if perm, err := protocol.ParsePermission(p); err == nil {
			set[perm] = struct{}{}
		}
	}
	return set
}
