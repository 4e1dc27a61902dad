package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/events"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

const testPassphrase = "correct horse battery staple"

type recordingUI struct {
	mu      sync.Mutex
	actions []UIAction
	err     error
	panics  bool
}

func (r *recordingUI) Dispatch(ctx context.Context, mc protocol.ModuleContext, action UIAction) error {
	if r.panics {
		panic("ui exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return r.err
}

type fixture struct {
	bridge   *Bridge
	data     *store.MemoryKeyedData
	quotas   *store.MemoryQuota
	secrets  *store.MemorySecrets
	log      *store.MemoryEventLog
	settings *store.MemorySettings
	blobs    *blob.Memory
	broker   *events.Memory
	ui       *recordingUI
}

func newFixture(t *testing.T, configure ...func(*Deps, *Options)) *fixture {
	t.Helper()
	sealer, err := store.NewSealer(testPassphrase)
	require.NoError(t, err)

	f := &fixture{
		data:     store.NewMemoryKeyedData(),
		quotas:   store.NewMemoryQuota(1 << 20),
		secrets:  store.NewMemorySecrets(),
		log:      store.NewMemoryEventLog(),
		settings: store.NewMemorySettings(),
		blobs:    blob.NewMemory("https://blobs.test", ""),
		broker:   events.NewMemory(8),
		ui:       &recordingUI{},
	}
	deps := Deps{
		Data:     f.data,
		Quotas:   f.quotas,
		Secrets:  f.secrets,
		Sealer:   sealer,
		Events:   f.log,
		Settings: f.settings,
		Blobs:    f.blobs,
		Broker:   f.broker,
		UI:       f.ui,
	}
	opts := Options{}
	for _, fn := range configure {
		fn(&deps, &opts)
	}
	f.bridge, err = New(deps, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.bridge.Close()
		_ = f.broker.Close()
	})
	return f
}

func moduleContext(perms ...protocol.Permission) protocol.ModuleContext {
	return protocol.ModuleContext{
		ModuleID:    "m1",
		SiteID:      "s1",
		Permissions: protocol.NewPermissionSet(perms...),
		Environment: protocol.EnvProduction,
		Settings:    map[string]any{"color": "blue"},
	}
}

func (f *fixture) send(t *testing.T, mc protocol.ModuleContext, typ protocol.MessageType, payload any) protocol.Response {
	t.Helper()
	return f.sendAs(t, mc, mc.ModuleID, typ, payload)
}

func (f *fixture) sendAs(t *testing.T, mc protocol.ModuleContext, moduleID string, typ protocol.MessageType, payload any) protocol.Response {
	t.Helper()
	msg := protocol.MustMessage(typ, moduleID, "req_1", payload)
	reply := f.bridge.Handle(context.Background(), mc, msg)
	require.Equal(t, "req_1", reply.RequestID)
	resp, err := reply.Response()
	require.NoError(t, err)
	return resp
}

// dataAs re-decodes a response's data into v
func dataAs(t *testing.T, resp protocol.Response, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestHandleModuleMismatch(t *testing.T) {
	f := newFixture(t)
	mc := moduleContext(protocol.AllPermissions()...)

	resp := f.sendAs(t, mc, "intruder", protocol.TypeDBInsert, map[string]any{"dataKey": "x", "value": 1})
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeModuleMismatch, resp.ErrorCode)
	assert.Equal(t, 0, f.data.Len())
}

func TestHandleUnknownType(t *testing.T) {
	f := newFixture(t)
	mc := moduleContext()
	msg := protocol.MustMessage("SELF_DESTRUCT", "m1", "req_9", nil)

	reply := f.bridge.Handle(context.Background(), mc, msg)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, "req_9", reply.RequestID)
	resp, err := reply.Response()
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeUnknownType, resp.ErrorCode)
}

func TestHandleRepliesWithResponseType(t *testing.T) {
	f := newFixture(t)
	mc := moduleContext(protocol.PermDBWrite)
	msg := protocol.MustMessage(protocol.TypeDBUpsert, "m1", "req_1", map[string]any{"dataKey": "cart", "value": map[string]any{"n": 1}})

	reply := f.bridge.Handle(context.Background(), mc, msg)
	assert.Equal(t, protocol.TypeDBResponse, reply.Type)
	assert.Equal(t, "m1", reply.ModuleID)
}

func TestPermissionDeniedForInsertWithReadOnly(t *testing.T) {
	f := newFixture(t)
	resp := f.send(t, moduleContext(protocol.PermDBRead), protocol.TypeDBInsert, map[string]any{"dataKey": "x", "value": 1})

	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodePermissionDenied, resp.ErrorCode)
	assert.Equal(t, 0, f.data.Len())
}

func TestNoSiteContext(t *testing.T) {
	f := newFixture(t)

	mc := moduleContext(protocol.PermDBWrite)
	mc.SiteID = ""
	resp := f.send(t, mc, protocol.TypeDBUpsert, map[string]any{"dataKey": "x", "value": 1})
	assert.Equal(t, protocol.CodeNoSiteContext, resp.ErrorCode)

	// permission is checked before the site
	mc = moduleContext()
	mc.SiteID = ""
	resp = f.send(t, mc, protocol.TypeDBUpsert, map[string]any{"dataKey": "x", "value": 1})
	assert.Equal(t, protocol.CodePermissionDenied, resp.ErrorCode)

	// settings and context do not need a site
	resp = f.send(t, mc, protocol.TypeGetContext, nil)
	assert.True(t, resp.Success)
}

func TestInvalidPayload(t *testing.T) {
	f := newFixture(t)
	mc := moduleContext(protocol.PermDBWrite)
	msg := protocol.Message{Type: protocol.TypeDBUpsert, ModuleID: "m1", RequestID: "req_1", Payload: json.RawMessage(`{"dataKey": 7`)}

	resp, err := f.bridge.Handle(context.Background(), mc, msg).Response()
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidPayload, resp.ErrorCode)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t)
	f.ui.panics = true

	resp := f.send(t, moduleContext(), protocol.TypeCloseModal, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeInternalError, resp.ErrorCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(_ *Deps, o *Options) {
		o.ModuleRate = 0.001
		o.ModuleBurst = 1
	})
	mc := moduleContext()

	assert.True(t, f.send(t, mc, protocol.TypeGetContext, nil).Success)
	resp := f.send(t, mc, protocol.TypeGetContext, nil)
	assert.Equal(t, protocol.CodeRateLimited, resp.ErrorCode)

	// another site has its own bucket
	other := moduleContext()
	other.SiteID = "s2"
	assert.True(t, f.send(t, other, protocol.TypeGetContext, nil).Success)
}

func TestGetContext(t *testing.T) {
	f := newFixture(t)
	mc := moduleContext(protocol.PermDBRead, protocol.PermStorageRead)
	mc.SettingsSchema = json.RawMessage(`{"type":"object"}`)

	resp := f.send(t, mc, protocol.TypeGetContext, nil)
	require.True(t, resp.Success)

	var snap protocol.ContextSnapshot
	dataAs(t, resp, &snap)
	assert.Equal(t, "m1", snap.ModuleID)
	assert.Equal(t, "s1", snap.SiteID)
	assert.Equal(t, []string{"db:read", "storage:read"}, snap.Permissions)
	assert.Equal(t, "blue", snap.Settings["color"])

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "settingsSchema")
}

func TestUIActions(t *testing.T) {
	f := newFixture(t)

	resp := f.send(t, moduleContext(), protocol.TypeNavigate, map[string]any{"path": "/products"})
	assert.Equal(t, protocol.CodePermissionDenied, resp.ErrorCode)

	resp = f.send(t, moduleContext(protocol.PermNavigation), protocol.TypeNavigate, map[string]any{"path": "https://evil.example"})
	assert.Equal(t, protocol.CodeInvalidParams, resp.ErrorCode)

	resp = f.send(t, moduleContext(protocol.PermNavigation), protocol.TypeNavigate, map[string]any{"path": "/products"})
	assert.True(t, resp.Success)

	resp = f.send(t, moduleContext(), protocol.TypeShowToast, map[string]any{"message": "<b>Saved</b><script>x()</script>"})
	assert.True(t, resp.Success)

	resp = f.send(t, moduleContext(), protocol.TypeShowToast, map[string]any{"message": "hi", "variant": "rainbow"})
	assert.Equal(t, protocol.CodeInvalidParams, resp.ErrorCode)

	resp = f.send(t, moduleContext(), protocol.TypeOpenModal, map[string]any{"title": "Details", "content": "<p onclick=\"x()\">Body</p>"})
	assert.True(t, resp.Success)

	require.Len(t, f.ui.actions, 3)
	assert.Equal(t, UIAction{Type: protocol.TypeNavigate, Path: "/products"}, f.ui.actions[0])
	assert.Equal(t, "Saved", f.ui.actions[1].Message)
	assert.Equal(t, "info", f.ui.actions[1].Variant)
	assert.Equal(t, "<p>Body</p>", f.ui.actions[2].Content)
}

func TestUIDelegateError(t *testing.T) {
	f := newFixture(t)
	f.ui.err = errors.New("host window gone")

	resp := f.send(t, moduleContext(), protocol.TypeCloseModal, nil)
	assert.Equal(t, protocol.CodeInternalError, resp.ErrorCode)
	assert.NotContains(t, resp.Error, "host window gone")
}

func TestRequiredPermissionCoversWriteOperations(t *testing.T) {
	for _, typ := range protocol.BridgeOperations() {
		switch typ.Group() {
		case protocol.GroupStorage, protocol.GroupDB, protocol.GroupSecrets, protocol.GroupEvents, protocol.GroupSettings, protocol.GroupAPI:
			_, ok := RequiredPermission(typ)
			assert.True(t, ok, "%s must require a permission", typ)
		}
	}
}
