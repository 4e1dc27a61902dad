/*
Package sandbox runs compiled module documents in isolated goja contexts.

# Overview

Each Context owns one goja VM and a single goroutine that executes every
piece of module code: the document's inline scripts, timer callbacks and
delivered host messages. Nothing else touches the VM, so module code sees
the same run-to-completion model it would in a browser frame.

A Context implements runtime.Channel. The module's
window.parent.postMessage becomes a message on Receive, tagged with the
context's handle, and every message the host sends is dispatched to the
module's "message" listeners as {data, source}.

# Security Model

Module code cannot:
  - Reach require, process, module or exports
  - Access the filesystem or network
  - Hold the loop longer than the per-job time limit

A job that exceeds the limit is interrupted and reported to the host as
MODULE_ERROR. The context stays usable for later jobs.

# Document Model

The document is parsed with goquery. Module code gets a small document
object backed by it: getElementById, querySelector and querySelectorAll,
with elements exposing textContent, innerHTML and attribute access.
Scripts of type importmap and application/json are data and never run.

# Usage Example

	opener := sandbox.NewOpener(sandbox.DefaultConfig(), log)
	host, err := runtime.NewHost(runtime.DefaultSessionConfig(), runtime.HostDeps{
		Forwarder: forwarder,
		Opener:    opener,
	})
*/
package sandbox
