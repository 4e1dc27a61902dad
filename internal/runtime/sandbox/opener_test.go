package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge/bridgetest"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

const greeterSource = `export default function App(props) {
  var bridge = props.bridge;
  bridge.setData("greeting", { text: "hello" })
    .then(function () { return bridge.getData("greeting"); })
    .then(function (value) { document.getElementById("msg").textContent = value.text; })
    .catch(function (err) { bridge.reportError(err); });
  return '<p id="msg">loading</p>';
}
`

func compileGreeter(t *testing.T) *compiler.CompiledModule {
	t.Helper()
	mod, err := compiler.New(nil).Compile(compiler.Input{
		Files:    []compiler.SourceFile{{Path: "index.js", Kind: compiler.KindScript, Content: greeterSource}},
		Manifest: compiler.Manifest{ID: "greeter", Name: "Greeter"},
	})
	require.NoError(t, err)
	return mod
}

func TestOpenerRunsCompiledModule(t *testing.T) {
	hb := bridgetest.New(t)
	opener := NewOpener(Config{}, nil)
	host, err := runtime.NewHost(runtime.SessionConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		StallMultiplier:   5,
		RequestTimeout:    time.Second,
		ReadyTimeout:      waitFor,
	}, runtime.HostDeps{Forwarder: runtime.LocalForwarder{Bridge: hb.Bridge}, Opener: opener})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = host.Shutdown(ctx)
	})

	ready := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var errs []error
	s, err := host.Mount(context.Background(), runtime.MountOptions{
		Context: bridgetest.Context("greeter", protocol.PermDBRead, protocol.PermDBWrite),
		Module:  compileGreeter(t),
		Handlers: runtime.Handlers{
			OnReady: func() { once.Do(func() { close(ready) }) },
			OnError: func(err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)

	select {
	case <-ready:
	case <-time.After(waitFor):
		t.Fatal("module never reported ready")
	}

	c, ok := opener.Lookup(s.Handle())
	require.True(t, ok)
	assert.Equal(t, 1, opener.Len())

	// the bridge round trip finishes after mount has rendered the placeholder
	assert.Eventually(t, func() bool {
		html, err := c.RootHTML(context.Background())
		return err == nil && html == `<p id="msg">hello</p>`
	}, waitFor, 10*time.Millisecond)

	// heartbeats are answered by the in-context runtime
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, runtime.StateLive, s.State())
	mu.Lock()
	assert.Empty(t, errs)
	mu.Unlock()

	require.NoError(t, s.Unmount())
	s.Wait()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("context not closed on unmount")
	}
	assert.Equal(t, 0, opener.Len())
}

func TestOpenerReportsModuleImports(t *testing.T) {
	opener := NewOpener(Config{}, nil)
	ch, err := opener.Open(context.Background(), runtime.ContextSpec{
		SessionID: id.NewSessionID(),
		Handle:    id.NewContextID(),
		ModuleID:  "m1",
		Document:  `<html><body><script type="module">import confetti from "canvas-confetti";</script></body></html>`,
	})
	require.NoError(t, err)
	defer ch.Close()

	select {
	case in := <-ch.Receive():
		assert.Equal(t, protocol.TypeModuleError, in.Message.Type)
		var p protocol.ModuleErrorPayload
		require.NoError(t, in.Message.DecodePayload(&p))
		assert.Contains(t, p.Message, "module imports")
	case <-time.After(waitFor):
		t.Fatal("import was not reported")
	}
}

func TestOpenerHonorsCancelledContext(t *testing.T) {
	opener := NewOpener(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := opener.Open(ctx, runtime.ContextSpec{Handle: id.NewContextID(), ModuleID: "m1", Document: testDocument})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, opener.Len())
}
