package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Permission is a capability granted to a module at install time
type Permission string

const (
	PermAPICall         Permission = "api:call"
	PermStorageRead     Permission = "storage:read"
	PermStorageWrite    Permission = "storage:write"
	PermDBRead          Permission = "db:read"
	PermDBWrite         Permission = "db:write"
	PermSettingsRead    Permission = "settings:read"
	PermSettingsWrite   Permission = "settings:write"
	PermSecretsRead     Permission = "secrets:read"
	PermSecretsWrite    Permission = "secrets:write"
	PermEventsEmit      Permission = "events:emit"
	PermEventsSubscribe Permission = "events:subscribe"
	PermNavigation      Permission = "navigation"
)

var vocabulary = map[Permission]struct{}{
	PermAPICall:         {},
	PermStorageRead:     {},
	PermStorageWrite:    {},
	PermDBRead:          {},
	PermDBWrite:         {},
	PermSettingsRead:    {},
	PermSettingsWrite:   {},
	PermSecretsRead:     {},
	PermSecretsWrite:    {},
	PermEventsEmit:      {},
	PermEventsSubscribe: {},
	PermNavigation:      {},
}

// ParsePermission validates s against the vocabulary
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if _, ok := vocabulary[p]; !ok {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// AllPermissions returns the whole vocabulary, sorted
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(vocabulary))
	for p := range vocabulary {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionSet is an immutable-by-convention set of granted permissions.
// It marshals as a sorted JSON array of strings.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from known permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// ParsePermissionSet builds a set from strings, rejecting unknown entries
func ParsePermissionSet(values []string) (PermissionSet, error) {
	set := make(PermissionSet, len(values))
	for _, v := range values {
		p, err := ParsePermission(v)
		if err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return set, nil
}

// Has reports whether p is granted
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAll reports whether every permission in perms is granted
func (s PermissionSet) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Strings returns the granted permissions, sorted
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	set, err := ParsePermissionSet(values)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
