/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the module
runtime, tracking HTTP requests, bridge requests, session lifecycles and
websocket channels.

# Features

- HTTP request metrics (latency, throughput, size)
- Bridge request metrics by message type and error code
- Session state transitions and active session count
- Forwarded request latency and failure reasons
- Registry size and compilation outcomes
- WebSocket connection metrics

Metrics implements both bridge.Observer and runtime.Observer, so a single
collector can be handed to the bridge and the session host.

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	b, _ := bridge.New(bridge.Deps{Observer: metrics, ...}, bridge.DefaultOptions())
	host, _ := runtime.NewHost(cfg, runtime.HostDeps{Observer: metrics, ...})

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
