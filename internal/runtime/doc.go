/*
Package runtime hosts module sessions: one isolated execution context per
mounted module instance, its message pump and its liveness clock.

# Lifecycle

	Unmounted -> Mounting -> AwaitingReady -> Live <-> Stalled
	    ^                                              |
	    +------------------- Unmount ------------------+

Mount opens the isolated context through a ContextOpener and hands it the
compiled document with the session's configuration injected. The heartbeat
clock starts only once the context reports MODULE_READY. A session whose
heartbeat acks stop arriving for StallMultiplier intervals becomes Stalled
and reports ErrSessionStalled to its error handler once; deciding whether
to unmount is left to the owner.

# Routing

Every inbound message must come from the session's own context handle and
name the session's module. Anything else is dropped without a reply.
BRIDGE_REQUEST is never executed here: it is forwarded, with the session's
ModuleContext, through a Forwarder and the bridge's reply is relayed back
verbatim under the original request id.

# Transports

Channel abstracts the duplex link to a context. Pipe connects two ends in
process, RemoteOpener relays a websocket connection that attaches after
mount, and the sandbox package runs the document headless in goja.
*/
package runtime
