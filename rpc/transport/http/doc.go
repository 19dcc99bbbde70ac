// Package http implements the admin HTTP server of muCore and a small client
// for it. All endpoints are read only GET routes:
//
//   - /runtime/worlds: Directory snapshot with live occupancy
//   - /runtime/maps: Stats of every map server
//   - /runtime/persistence: Persistence pipeline counters
//   - /runtime/stats: Runtime overview (maps, transfers, sessions in maps)
//   - /runtime/tick-metrics: Per map tick registries (go-metrics)
//   - /metrics: Prometheus text format (VictoriaMetrics)
//
// Everything except /metrics is JSON. At debug log level every request is
// logged with its status code and duration.
package http
