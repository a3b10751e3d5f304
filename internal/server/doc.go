// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the deployment's health and monitor statistics
// over HTTP.
//
// # Endpoints
//
//   - GET  /health        - 200 when the broker answers, 503 otherwise; no body
//   - GET  /stats         - JSON snapshot of the monitor window
//   - POST /stats/reset   - close the window and return it
//   - GET  /stats/stream  - websocket pushing a snapshot every interval
//   - GET  /agents        - dispatch loop counters per agent
//   - POST /ask           - submit a question and wait for its answer
//
// Every route runs behind recovery, security-header and access-log
// middleware. POST /ask is additionally rate limited per client IP.
//
// # Usage
//
//	srv := server.NewServer(":8787", logger).
//		WithProber(prober).
//		WithStats(mon.Aggregator()).
//		WithGateway(gw, 30*time.Second)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
