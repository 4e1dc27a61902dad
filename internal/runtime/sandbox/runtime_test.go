package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

const waitFor = 2 * time.Second

const testDocument = `<!DOCTYPE html>
<html><head><title>Demo</title></head>
<body><div id="module-root"><p class="greeting">hello</p></div></body></html>`

func newContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	dom, err := ParseDOM(testDocument)
	require.NoError(t, err)
	c, err := New(id.NewContextID(), "m1", dom, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func run(t *testing.T, c *Context, src string) {
	t.Helper()
	require.NoError(t, c.Run(context.Background(), "test.js", src))
}

func eval(t *testing.T, c *Context, src string) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := c.Eval(ctx, src)
	require.NoError(t, err)
	return v
}

func next(t *testing.T, c *Context) runtime.Inbound {
	t.Helper()
	select {
	case in, ok := <-c.Receive():
		require.True(t, ok, "context closed")
		return in
	case <-time.After(waitFor):
		t.Fatal("no message posted")
		return runtime.Inbound{}
	}
}

func moduleError(t *testing.T, in runtime.Inbound) protocol.ModuleErrorPayload {
	t.Helper()
	require.Equal(t, protocol.TypeModuleError, in.Message.Type)
	var p protocol.ModuleErrorPayload
	require.NoError(t, in.Message.DecodePayload(&p))
	return p
}

func TestServerGlobalsAreRemoved(t *testing.T) {
	c := newContext(t, Config{})
	assert.Equal(t, "undefined undefined undefined", eval(t, c, `[typeof require, typeof process, typeof module].join(" ")`))
	assert.Equal(t, true, eval(t, c, `window === this && self === window`))
}

func TestConsoleCapture(t *testing.T) {
	c := newContext(t, Config{EnableConsole: true})
	run(t, c, `console.log("count", 1); console.error("bad")`)
	eval(t, c, `0`)

	entries := c.Console()
	require.Len(t, entries, 2)
	assert.Equal(t, "log", entries[0].Level)
	assert.Equal(t, "count 1", entries[0].Message)
	assert.Equal(t, "error", entries[1].Level)
}

func TestPostMessageTagsSource(t *testing.T) {
	c := newContext(t, Config{})
	run(t, c, `parent.postMessage({type: "MODULE_READY", moduleId: "m1", payload: {moduleId: "m1"}}, "*")`)

	in := next(t, c)
	assert.Equal(t, c.Handle().String(), in.Source)
	assert.Equal(t, protocol.TypeModuleReady, in.Message.Type)
	assert.Equal(t, "m1", in.Message.ModuleID)
}

func TestPostMessageRejectsUnserializable(t *testing.T) {
	c := newContext(t, Config{})
	assert.Equal(t, "TypeError", eval(t, c, `try { parent.postMessage(undefined); "sent" } catch (e) { e.name }`))
}

func TestSendDispatchesMessageEvents(t *testing.T) {
	c := newContext(t, Config{})
	run(t, c, `
		function onMessage(e) {
			parent.postMessage({type: "HEARTBEAT_ACK", moduleId: "m1", requestId: e.data.requestId + ":" + e.source});
		}
		addEventListener("message", onMessage);
		addEventListener("message", onMessage);
	`)
	require.NoError(t, c.Send(context.Background(), protocol.MustMessage(protocol.TypeHeartbeat, "m1", "hb1", nil)))

	in := next(t, c)
	assert.Equal(t, protocol.TypeHeartbeatAck, in.Message.Type)
	assert.Equal(t, "hb1:parent", in.Message.RequestID)

	// the listener was registered once and can be removed
	run(t, c, `removeEventListener("message", onMessage)`)
	require.NoError(t, c.Send(context.Background(), protocol.MustMessage(protocol.TypeHeartbeat, "m1", "hb2", nil)))
	eval(t, c, `0`)
	assert.Empty(t, c.Receive())
}

func TestTimers(t *testing.T) {
	c := newContext(t, Config{})
	run(t, c, `
		var cancelled = setTimeout(function () {
			parent.postMessage({type: "MODULE_ERROR", moduleId: "m1", payload: {message: "cancelled timer fired"}});
		}, 5);
		clearTimeout(cancelled);
		var ticks = 0;
		var iv = setInterval(function () {
			ticks++;
			if (ticks === 3) {
				clearInterval(iv);
				parent.postMessage({type: "MODULE_READY", moduleId: "m1", payload: {moduleId: "m1"}});
			}
		}, 5);
	`)
	assert.Equal(t, protocol.TypeModuleReady, next(t, c).Message.Type)
	assert.EqualValues(t, 3, eval(t, c, `ticks`))
}

func TestTimerLimit(t *testing.T) {
	c := newContext(t, Config{MaxTimers: 2})
	got := eval(t, c, `
		setTimeout(function () {}, 1000);
		setTimeout(function () {}, 1000);
		try { setTimeout(function () {}, 1000); "scheduled" } catch (e) { "refused" }
	`)
	assert.Equal(t, "refused", got)
}

func TestBase64(t *testing.T) {
	c := newContext(t, Config{})
	assert.Equal(t, "aGVsbG8=", eval(t, c, `btoa("hello")`))
	assert.Equal(t, "hello", eval(t, c, `atob("aGVs bG8=")`))
	assert.Equal(t, "héllo", eval(t, c, `decodeURIComponent(escape(atob(btoa(unescape(encodeURIComponent("héllo"))))))`))
	assert.Equal(t, "TypeError", eval(t, c, `try { btoa("Ā"); "ok" } catch (e) { e.name }`))
	assert.Equal(t, "TypeError", eval(t, c, `try { atob("!!"); "ok" } catch (e) { e.name }`))
}

func TestJobTimeout(t *testing.T) {
	c := newContext(t, Config{JobTimeout: 50 * time.Millisecond})
	run(t, c, `while (true) {}`)

	p := moduleError(t, next(t, c))
	assert.Equal(t, ErrJobTimeout.Error(), p.Message)

	// the context stays usable
	assert.EqualValues(t, 2, eval(t, c, `1 + 1`))
}

func TestUncaughtErrors(t *testing.T) {
	c := newContext(t, Config{})
	run(t, c, `throw new Error("boom")`)
	p := moduleError(t, next(t, c))
	assert.Contains(t, p.Message, "boom")

	run(t, c, `addEventListener("error", function (e) {
		parent.postMessage({type: "MODULE_ERROR", moduleId: "m1", payload: {message: "handled " + e.error.message}});
	})`)
	run(t, c, `throw new Error("again")`)
	p = moduleError(t, next(t, c))
	assert.Equal(t, "handled again", p.Message)
}

func TestUnhandledRejection(t *testing.T) {
	c := newContext(t, Config{})
	run(t, c, `Promise.reject(new Error("nope")); Promise.reject(new Error("caught")).catch(function () {});`)

	p := moduleError(t, next(t, c))
	assert.Contains(t, p.Message, "Unhandled rejection")
	assert.Contains(t, p.Message, "nope")
	eval(t, c, `0`)
	assert.Empty(t, c.Receive(), "handled rejections are not reported")
}

func TestDocument(t *testing.T) {
	c := newContext(t, Config{})
	assert.Equal(t, "Demo", eval(t, c, `document.title`))
	assert.Equal(t, "hello", eval(t, c, `document.querySelector("p.greeting").textContent`))
	assert.Equal(t, "P", eval(t, c, `document.querySelector("p.greeting").tagName`))
	assert.Equal(t, true, eval(t, c, `document.getElementById("missing") === null`))
	assert.Equal(t, true, eval(t, c, `document.querySelector("[[") === null`))

	run(t, c, `
		var root = document.getElementById("module-root");
		root.innerHTML = '<ul><li>a</li><li>b</li></ul>';
		root.setAttribute("data-state", "ready");
	`)
	assert.EqualValues(t, 2, eval(t, c, `document.querySelectorAll("li").length`))
	assert.Equal(t, "ready", eval(t, c, `document.getElementById("module-root").getAttribute("data-state")`))
	assert.Equal(t, true, eval(t, c, `document.getElementById("module-root").getAttribute("nope") === null`))

	html, err := c.RootHTML(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<ul><li>a</li><li>b</li></ul>", html)
}

func TestScriptsSkipsDataBlocks(t *testing.T) {
	dom, err := ParseDOM(`<html><head>
		<script type="importmap">{"imports":{}}</script>
		<script type="application/json" data-module-asset="a.json">{}</script>
		<script src="https://cdn.test/lib.js"></script>
		<script>var first = 1;</script>
	</head><body><script type="module">var second = 2;</script></body></html>`)
	require.NoError(t, err)

	scripts := dom.Scripts()
	require.Len(t, scripts, 2)
	assert.Equal(t, "var first = 1;", scripts[0].source)
	assert.False(t, scripts[0].module)
	assert.Equal(t, "var second = 2;", scripts[1].source)
	assert.True(t, scripts[1].module)
}

func TestClose(t *testing.T) {
	c := newContext(t, Config{})
	run(t, c, `while (true) {}`)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("loop did not stop")
	}
	for in := range c.Receive() {
		assert.NotEqual(t, protocol.TypeModuleError, in.Message.Type, "closing is not a module error")
	}
	assert.ErrorIs(t, c.Send(context.Background(), protocol.MustMessage(protocol.TypeHeartbeat, "m1", "", nil)), runtime.ErrChannelClosed)
	_, err := c.Eval(context.Background(), `1`)
	assert.Error(t, err)
}
