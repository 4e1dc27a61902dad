// Package protocol defines the wire contract shared by both sides of the
// module sandbox boundary.
//
// Everything that crosses between an isolated execution context and the host
// is a Message envelope:
//
//	{ "type": "DB_UPSERT", "moduleId": "m1", "requestId": "req_1",
//	  "payload": {...}, "timestamp": 1718000000000 }
//
// Message types form a closed set grouped by concern (API passthrough,
// storage, keyed data, settings, secrets, events, host UI, introspection)
// plus the runtime-control tags used by the session pump (MODULE_READY,
// HEARTBEAT, BRIDGE_REQUEST ...).
//
// Every response payload has the same shape regardless of request type:
//
//	{ "success": false, "error": "...", "errorCode": "PERMISSION_DENIED" }
//
// so callers branch on success before looking at type-specific data, and
// retry logic can switch on ErrorCode instead of matching strings.
//
// Permissions are a fixed capability vocabulary granted at install time and
// carried unchanged in the ModuleContext for the life of a session.
package protocol
