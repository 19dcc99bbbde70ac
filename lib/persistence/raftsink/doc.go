// Package raftsink implements a persistence.Sink replicated with dragonboat.
//
// Character states and critical events are proposed to a raft shard with
// SyncPropose; a write returns only after a quorum applied it. The state machine
// keeps the latest state per character and an append-only critical event log.
// Critical events are applied at most once per event id, so retrying a timed out
// proposal is safe.
//
// Commands and snapshots use the same compact layout as the wire protocol
// (package postcard).
package raftsink
