// Package bridgetest builds bridges over in-memory stores for tests of the
// packages that sit on top of the bridge
package bridgetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/events"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

// Passphrase seals secrets in harness bridges
const Passphrase = "correct horse battery staple"

// Harness is a bridge together with the stores behind it
type Harness struct {
	Bridge   *bridge.Bridge
	Data     *store.MemoryKeyedData
	Quotas   *store.MemoryQuota
	Secrets  *store.MemorySecrets
	Events   *store.MemoryEventLog
	Settings *store.MemorySettings
	Blobs    *blob.Memory
	Broker   *events.Memory
}

// New creates a harness. The bridge and broker are closed when t ends.
// configure may adjust dependencies, for example to set a UI delegate.
func New(t testing.TB, configure ...func(*bridge.Deps, *bridge.Options)) *Harness {
	t.Helper()
	sealer, err := store.NewSealer(Passphrase)
	require.NoError(t, err)

	h := &Harness{
		Data:     store.NewMemoryKeyedData(),
		Quotas:   store.NewMemoryQuota(1 << 20),
		Secrets:  store.NewMemorySecrets(),
		Events:   store.NewMemoryEventLog(),
		Settings: store.NewMemorySettings(),
		Blobs:    blob.NewMemory("https://blobs.test", ""),
		Broker:   events.NewMemory(16),
	}
	deps := bridge.Deps{
		Data:     h.Data,
		Quotas:   h.Quotas,
		Secrets:  h.Secrets,
		Sealer:   sealer,
		Events:   h.Events,
		Settings: h.Settings,
		Blobs:    h.Blobs,
		Broker:   h.Broker,
	}
	opts := bridge.Options{}
	for _, fn := range configure {
		fn(&deps, &opts)
	}
	h.Bridge, err = bridge.New(deps, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Bridge.Close()
		_ = h.Broker.Close()
	})
	return h
}

// Context returns a production module context for moduleID on site s1
func Context(moduleID string, perms ...protocol.Permission) protocol.ModuleContext {
	return protocol.ModuleContext{
		ModuleID:    moduleID,
		SiteID:      "s1",
		Permissions: protocol.NewPermissionSet(perms...),
		Environment: protocol.EnvProduction,
		Settings:    map[string]any{"color": "blue"},
	}
}
