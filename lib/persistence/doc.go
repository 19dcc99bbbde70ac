// Package persistence implements the write-behind persistence pipeline.
//
// A single worker goroutine owns the pending set and talks to the Sink. Callers
// interact with it only through the mailbox:
//
//   - EnqueueNonCritical coalesces snapshots per character. Only the latest
//     snapshot of a character is ever written.
//   - FlushCharacter writes a character's state right away, used when a player
//     leaves a map.
//   - RecordCritical writes a critical event and blocks until the sink answered.
//   - FlushNow and Shutdown drain the pending set.
//
// Every FlushTick the worker writes snapshots older than MaxFlushLag. When
// nothing is old enough but MaxBatchSize snapshots are pending, the oldest batch
// is written anyway.
//
// Non-critical write failures are counted and logged, never retried. Critical
// write failures are returned to the caller as *SinkError.
package persistence
