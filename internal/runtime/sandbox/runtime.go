package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

const (
	outboundBuffer = 64
	maxConsole     = 500
)

// parentSource is the source the module sees on host messages
const parentSource = "parent"

var esImportRe = regexp.MustCompile(`(?m)^[ \t]*import\s*(?:[\w$*{]|['"])`)

var errTooManyTimers = errors.New("too many timers")

// Context is one isolated module context backed by a goja VM. All VM access
// happens on the loop goroutine.
type Context struct {
	handle   id.ContextID
	moduleID string
	cfg      Config
	log      *zap.Logger

	vm  *goja.Runtime
	dom *DOM

	jobs      chan func()
	out       chan runtime.Inbound
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	onClose   func()

	consoleMu sync.Mutex
	console   []LogEntry

	// loop goroutine only
	listeners  map[string][]goja.Value
	timers     map[int64]*timer
	timerSeq   int64
	rejections []*goja.Promise
	parse      goja.Callable
	stringify  goja.Callable
}

type timer struct {
	fn     goja.Callable
	args   []goja.Value
	repeat bool
	delay  time.Duration
	t      *time.Timer
}

// New creates a context for dom and starts its loop. Scripts are not run;
// use Run or an Opener for that.
func New(handle id.ContextID, moduleID string, dom *DOM, cfg Config, log *zap.Logger) (*Context, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Context{
		handle:    handle,
		moduleID:  moduleID,
		cfg:       cfg,
		log:       log.With(zap.String("context", handle.String()), zap.String("module_id", moduleID)),
		vm:        goja.New(),
		dom:       dom,
		jobs:      make(chan func(), cfg.QueueSize),
		out:       make(chan runtime.Inbound, outboundBuffer),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		listeners: make(map[string][]goja.Value),
		timers:    make(map[int64]*timer),
	}
	c.vm.SetMaxCallStackSize(cfg.MaxCallStackSize)
	if err := c.setupGlobals(); err != nil {
		return nil, err
	}
	go c.loop()
	return c, nil
}

// Handle returns the context's handle
func (c *Context) Handle() id.ContextID { return c.handle }

// Send delivers a host message to the module's "message" listeners
func (c *Context) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, func() { c.deliver(data) })
}

// Receive returns the messages the module posts to its parent
func (c *Context) Receive() <-chan runtime.Inbound {
	return c.out
}

// Close stops the loop and interrupts any running job
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.vm.Interrupt(ErrContextClosed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Done is closed once the loop has exited
func (c *Context) Done() <-chan struct{} {
	return c.loopDone
}

// Run executes a script on the loop. Errors are reported to the module's
// error listeners, or to the host when there are none.
func (c *Context) Run(ctx context.Context, name, source string) error {
	return c.enqueue(ctx, func() { c.runScript(script{name: name, source: source}) })
}

// Eval runs source on the loop and returns its exported value
func (c *Context) Eval(ctx context.Context, source string) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	err := c.enqueue(ctx, func() {
		v, err := c.vm.RunString(source)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{v: export(v)}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-c.loopDone:
		return nil, ErrContextClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RootHTML returns the current inner HTML of the module root
func (c *Context) RootHTML(ctx context.Context) (string, error) {
	ch := make(chan string, 1)
	if err := c.enqueue(ctx, func() { ch <- c.dom.RootHTML() }); err != nil {
		return "", err
	}
	select {
	case html := <-ch:
		return html, nil
	case <-c.loopDone:
		return "", ErrContextClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Console returns the console output captured so far
func (c *Context) Console() []LogEntry {
	c.consoleMu.Lock()
	defer c.consoleMu.Unlock()
	return append([]LogEntry(nil), c.console...)
}

func (c *Context) enqueue(ctx context.Context, job func()) error {
	select {
	case <-c.done:
		return runtime.ErrChannelClosed
	default:
	}
	select {
	case c.jobs <- job:
		return nil
	case <-c.done:
		return runtime.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) loop() {
	defer close(c.loopDone)
	defer close(c.out)
	defer c.stopTimers()
	for {
		select {
		case <-c.done:
			return
		case job := <-c.jobs:
			c.run(job)
		}
	}
}

// run executes one job under the CPU limit
func (c *Context) run(job func()) {
	select {
	case <-c.done:
		return
	default:
	}
	watchdog := time.AfterFunc(c.cfg.JobTimeout, func() {
		c.vm.Interrupt(ErrJobTimeout)
	})
	defer func() {
		watchdog.Stop()
		c.vm.ClearInterrupt()
	}()
	job()
	c.flushRejections()
}

func (c *Context) setupGlobals() error {
	vm := c.vm

	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	global := vm.GlobalObject()
	parent := vm.NewObject()
	_ = parent.Set("postMessage", c.postMessage)

	json := vm.Get("JSON").ToObject(vm)
	var ok bool
	if c.parse, ok = goja.AssertFunction(json.Get("parse")); !ok {
		return errors.New("sandbox: JSON.parse unavailable")
	}
	if c.stringify, ok = goja.AssertFunction(json.Get("stringify")); !ok {
		return errors.New("sandbox: JSON.stringify unavailable")
	}

	globals := map[string]any{
		"window":              global,
		"self":                global,
		"parent":              parent,
		"top":                 parent,
		"addEventListener":    c.addEventListener,
		"removeEventListener": c.removeEventListener,
		"setTimeout":          func(call goja.FunctionCall) goja.Value { return c.setTimer(call, false) },
		"setInterval":         func(call goja.FunctionCall) goja.Value { return c.setTimer(call, true) },
		"clearTimeout":        c.clearTimer,
		"clearInterval":       c.clearTimer,
		"btoa":                c.btoa,
		"atob":                c.atob,
		"console":             c.newConsole(),
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("sandbox: install %s: %w", name, err)
		}
	}

	vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			c.rejections = append(c.rejections, p)
		case goja.PromiseRejectionHandle:
			for i, r := range c.rejections {
				if r == p {
					c.rejections = append(c.rejections[:i], c.rejections[i+1:]...)
					break
				}
			}
		}
	})

	if c.dom != nil {
		return c.dom.bind(vm)
	}
	return nil
}

func (c *Context) newConsole() *goja.Object {
	console := c.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, c.makeConsoleFunc(level))
	}
	return console
}

// makeConsoleFunc creates a console function
func (c *Context) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if !c.cfg.EnableConsole {
			return goja.Undefined()
		}
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		c.consoleMu.Lock()
		if len(c.console) >= maxConsole {
			c.console = c.console[1:]
		}
		c.console = append(c.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
		c.consoleMu.Unlock()

		switch level {
		case "error":
			c.log.Warn("Module console error", zap.String("message", msg))
		case "warn":
			c.log.Info("Module console warning", zap.String("message", msg))
		default:
			c.log.Debug("Module console", zap.String("level", level), zap.String("message", msg))
		}
		return goja.Undefined()
	}
}

// postMessage serializes the module's message as JSON, as structured clone
// would, and emits it to the host
func (c *Context) postMessage(call goja.FunctionCall) goja.Value {
	v, err := c.stringify(goja.Undefined(), call.Argument(0))
	if err != nil {
		panic(err)
	}
	if goja.IsUndefined(v) {
		panic(c.vm.NewTypeError("postMessage: message is not serializable"))
	}
	msg, err := protocol.Decode([]byte(v.String()))
	if err != nil {
		c.log.Debug("Dropped malformed module message", zap.Error(err))
		return goja.Undefined()
	}
	c.emit(msg)
	return goja.Undefined()
}

func (c *Context) emit(msg protocol.Message) {
	select {
	case c.out <- runtime.Inbound{Source: c.handle.String(), Message: msg}:
	case <-c.done:
	}
}

// deliver dispatches a host message as a MessageEvent
func (c *Context) deliver(data []byte) {
	parsed, err := c.parse(goja.Undefined(), c.vm.ToValue(string(data)))
	if err != nil {
		c.log.Debug("Undeliverable host message", zap.Error(err))
		return
	}
	event := c.vm.NewObject()
	_ = event.Set("type", "message")
	_ = event.Set("data", parsed)
	_ = event.Set("source", parentSource)
	_ = event.Set("origin", "null")
	c.dispatch("message", event)
}

func (c *Context) addEventListener(typ string, fn goja.Value) {
	if _, ok := goja.AssertFunction(fn); !ok {
		return
	}
	for _, existing := range c.listeners[typ] {
		if existing.SameAs(fn) {
			return
		}
	}
	c.listeners[typ] = append(c.listeners[typ], fn)
}

func (c *Context) removeEventListener(typ string, fn goja.Value) {
	list := c.listeners[typ]
	for i, existing := range list {
		if existing.SameAs(fn) {
			c.listeners[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// dispatch calls every listener of typ. It reports whether any listener
// was called.
func (c *Context) dispatch(typ string, event *goja.Object) bool {
	list := append([]goja.Value(nil), c.listeners[typ]...)
	for _, v := range list {
		fn, _ := goja.AssertFunction(v)
		if _, err := fn(c.vm.GlobalObject(), event); err != nil {
			if typ == "error" || typ == "unhandledrejection" {
				c.postError(err.Error(), stackOf(err))
				continue
			}
			c.reportError(err)
		}
	}
	return len(list) > 0
}

// reportError surfaces an uncaught error the way a browser would: an
// "error" event, falling back to MODULE_ERROR when nothing listens
func (c *Context) reportError(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(asError(interrupted.Value()), ErrContextClosed) {
			return
		}
		c.log.Warn("Module job interrupted", zap.Duration("limit", c.cfg.JobTimeout))
		c.postError(ErrJobTimeout.Error(), "")
		return
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		event := c.vm.NewObject()
		_ = event.Set("type", "error")
		_ = event.Set("error", ex.Value())
		_ = event.Set("message", ex.Error())
		if c.dispatch("error", event) {
			return
		}
		c.postError(ex.Error(), ex.String())
		return
	}
	c.postError(err.Error(), "")
}

func (c *Context) postError(message, stack string) {
	msg, err := protocol.NewMessage(protocol.TypeModuleError, c.moduleID, "", protocol.ModuleErrorPayload{
		Message: message,
		Stack:   stack,
	})
	if err != nil {
		return
	}
	c.emit(msg)
}

func (c *Context) flushRejections() {
	for len(c.rejections) > 0 {
		p := c.rejections[0]
		c.rejections = c.rejections[1:]
		event := c.vm.NewObject()
		_ = event.Set("type", "unhandledrejection")
		_ = event.Set("reason", p.Result())
		_ = event.Set("promise", p)
		if !c.dispatch("unhandledrejection", event) {
			c.postError(fmt.Sprintf("Unhandled rejection: %s", p.Result().String()), "")
		}
	}
}

func (c *Context) runScript(s script) {
	if s.module && esImportRe.MatchString(s.source) {
		c.postError("module imports are not available in a sandbox context", s.name)
		return
	}
	if _, err := c.vm.RunScript(s.name, s.source); err != nil {
		c.reportError(err)
	}
}

func (c *Context) setTimer(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("timer callback is not a function"))
	}
	if len(c.timers) >= c.cfg.MaxTimers {
		panic(c.vm.NewGoError(errTooManyTimers))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	c.timerSeq++
	tid := c.timerSeq
	t := &timer{fn: fn, args: args, repeat: repeat, delay: delay}
	c.timers[tid] = t
	c.schedule(tid, t)
	return c.vm.ToValue(tid)
}

func (c *Context) schedule(tid int64, t *timer) {
	t.t = time.AfterFunc(t.delay, func() {
		_ = c.enqueue(context.Background(), func() { c.fire(tid) })
	})
}

func (c *Context) fire(tid int64) {
	t, ok := c.timers[tid]
	if !ok {
		return
	}
	if !t.repeat {
		delete(c.timers, tid)
	}
	if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
		c.reportError(err)
	}
	if t.repeat {
		if _, live := c.timers[tid]; live {
			c.schedule(tid, t)
		}
	}
}

func (c *Context) clearTimer(call goja.FunctionCall) goja.Value {
	tid := call.Argument(0).ToInteger()
	if t, ok := c.timers[tid]; ok {
		t.t.Stop()
		delete(c.timers, tid)
	}
	return goja.Undefined()
}

func (c *Context) stopTimers() {
	for tid, t := range c.timers {
		t.t.Stop()
		delete(c.timers, tid)
	}
}

// btoa encodes a binary string. Characters above U+00FF are rejected.
func (c *Context) btoa(s string) string {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			panic(c.vm.NewTypeError("btoa: string contains characters outside of Latin1"))
		}
		b = append(b, byte(r))
	}
	return base64.StdEncoding.EncodeToString(b)
}

// atob decodes base64 into a binary string
func (c *Context) atob(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\f' || r == '\r' {
			return -1
		}
		return r
	}, s)
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			panic(c.vm.NewTypeError("atob: invalid base64"))
		}
	}
	runes := make([]rune, len(b))
	for i, v := range b {
		runes[i] = rune(v)
	}
	return string(runes)
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func asError(v any) error {
	err, _ := v.(error)
	return err
}

func stackOf(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.String()
	}
	return ""
}
