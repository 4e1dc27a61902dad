// Package main is the entry point for the module runtime server.
//
// The server compiles module sources, keeps a registry of compiled
// modules and mounts them as sessions. Each session runs in an isolated
// context, either the in-process sandbox or a remote browser frame that
// connects back over a WebSocket channel, and reaches platform services
// only through the bridge.
//
// Architecture:
//
//	Host page → HTTP API → Runtime host → Session → Context (sandbox | remote)
//	                                         ↓
//	                                  Forwarder → Bridge → Stores, Gateway
//
// The server provides:
//   - Module compilation and registry
//   - Session mounting and lifecycle
//   - Bridge endpoint for remote forwarders
//   - Prometheus metrics and health
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -modules ./modules
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
