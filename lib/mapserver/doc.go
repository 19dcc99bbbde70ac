// Package mapserver implements the actor that simulates one map instance.
//
// Key Components:
//
//   - Server: owns the roster of one RouteKey. Join, Leave, MovePlayer, UseSkill
//     and LocalChat enqueue commands into a bounded mailbox; a single goroutine
//     applies them in order.
//   - Two tickers drive the simulation. The player tick enqueues a snapshot of
//     every resident into the persistence pipeline and measures its own
//     duration. The monster tick runs the AI.
//   - Degradation: when the p95 of the last 200 player ticks exceeds the player
//     tick budget, the degradation level rises (up to 4) and the monster tick
//     keeps only one tick out of level+1. The level falls by one per player tick
//     once latency recovers.
//
// Lifecycle:
//
// A server is Running until Shutdown. It then turns Draining, handles the
// commands already queued, flushes every resident and ends Stopped.
//
// Thread Safety:
//
// All methods are safe for concurrent use. Stats reads a copy guarded by a
// mutex, TickMetrics reads the go-metrics registry of the server.
package mapserver
