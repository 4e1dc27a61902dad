package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Environment is the deployment stage a module instance runs in
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Valid reports whether e is a known environment
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// ModuleContext is the authorization and environment record bound to one
// running module instance. It is owned by the host. Only Settings changes
// during a session, and only by wholesale replacement.
type ModuleContext struct {
	ModuleID    string         `json:"moduleId"`
	SiteID      string         `json:"siteId,omitempty"`
	ClientID    string         `json:"clientId,omitempty"`
	AgencyID    string         `json:"agencyId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	Permissions PermissionSet  `json:"permissions"`
	Environment Environment    `json:"environment"`

	// SettingsSchema is an optional JSON Schema the settings document must
	// satisfy. It comes from the installation record.
	SettingsSchema json.RawMessage `json:"settingsSchema,omitempty"`
}

// ContextSnapshot is the filtered view of a ModuleContext returned to the
// module by GET_CONTEXT
type ContextSnapshot struct {
	ModuleID    string         `json:"moduleId"`
	SiteID      string         `json:"siteId,omitempty"`
	ClientID    string         `json:"clientId,omitempty"`
	AgencyID    string         `json:"agencyId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Settings    map[string]any `json:"settings"`
	Permissions []string       `json:"permissions"`
	Environment Environment    `json:"environment"`
}

// Validate checks the fields the bridge relies on
func (c ModuleContext) Validate() error {
	if c.ModuleID == "" {
		return fmt.Errorf("module context: moduleId required")
	}
	if c.Environment != "" && !c.Environment.Valid() {
		return fmt.Errorf("module context: unknown environment %q", c.Environment)
	}
	return nil
}

// HasSite reports whether the context is bound to a site
func (c ModuleContext) HasSite() bool {
	return c.SiteID != ""
}

// Snapshot returns the non-secret view of the context
func (c ModuleContext) Snapshot() ContextSnapshot {
	settings := maps.Clone(c.Settings)
	if settings == nil {
		settings = map[string]any{}
	}
	env := c.Environment
	if env == "" {
		env = EnvProduction
	}
	return ContextSnapshot{
		ModuleID:    c.ModuleID,
		SiteID:      c.SiteID,
		ClientID:    c.ClientID,
		AgencyID:    c.AgencyID,
		UserID:      c.UserID,
		Settings:    settings,
		Permissions: c.Permissions.Strings(),
		Environment: env,
	}
}

// WithSettings returns a copy of c whose settings are replaced by settings
func (c ModuleContext) WithSettings(settings map[string]any) ModuleContext {
	next := c
	next.Settings = maps.Clone(settings)
	next.Permissions = c.Permissions.Clone()
	return next
}
