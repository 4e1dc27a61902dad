/*
Package bridge executes the operations a sandboxed module requests.

Every request passes the same gate before its handler runs:

 1. the envelope's moduleId must match the session's ModuleContext
    (MODULE_MISMATCH)
 2. the type must be a known bridge operation (UNKNOWN_TYPE)
 3. the context must hold the operation's permission (PERMISSION_DENIED)
 4. storage, db, secrets and events need a site (NO_SITE_CONTEXT)
 5. the per-module token bucket must have capacity (RATE_LIMITED)

Handlers are resolved through a table built in New. Whatever a handler
does, Handle returns a reply echoing the request id; a panic becomes
INTERNAL_ERROR and never reaches the caller.
*/
package bridge
