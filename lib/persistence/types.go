package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/mucore/lib/protocol"
)

// ErrChannelClosed is returned when the pipeline worker has stopped
var ErrChannelClosed = errors.New("persistence channel closed")

// SinkError wraps a failed write of a sink
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("persistence sink error (%s): %v", e.Op, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// CharacterStateSnapshot is the position and vitals of a character
type CharacterStateSnapshot struct {
	CharacterID uint64            `json:"character_id"`
	Route       protocol.RouteKey `json:"route"`
	X           uint16            `json:"x"`
	Y           uint16            `json:"y"`
	HP          uint16            `json:"hp"`
	MP          uint16            `json:"mp"`
	UpdatedAtMs uint64            `json:"updated_at_ms"`
}

// CriticalEventKind classifies critical events
type CriticalEventKind uint8

const (
	TradeCommit CriticalEventKind = iota
	InventoryMutation
	EconomyMutation
)

func (k CriticalEventKind) String() string {
	switch k {
	case TradeCommit:
		return "TradeCommit"
	case InventoryMutation:
		return "InventoryMutation"
	case EconomyMutation:
		return "EconomyMutation"
	default:
		return fmt.Sprintf("CriticalEventKind(%d)", uint8(k))
	}
}

// EventID is a 128 bit event identifier
type EventID struct {
	Hi uint64 `json:"hi"`
	Lo uint64 `json:"lo"`
}

// NewEventID derives the id of an event from the session and the packet sequence
func NewEventID(sessionID uint64, sequence uint32) EventID {
	return EventID{Hi: sessionID, Lo: uint64(sequence)}
}

func (id EventID) String() string {
	return fmt.Sprintf("%016x%016x", id.Hi, id.Lo)
}

// CriticalEvent is a gameplay mutation that must be durable before the action commits
type CriticalEvent struct {
	EventID      EventID           `json:"event_id"`
	CharacterID  uint64            `json:"character_id"`
	Route        protocol.RouteKey `json:"route"`
	Kind         CriticalEventKind `json:"kind"`
	Payload      string            `json:"payload"`
	OccurredAtMs uint64            `json:"occurred_at_ms"`
}

// Sink is the durable storage behind the pipeline. A sink is only ever called
// from the pipeline worker, one call at a time.
type Sink interface {
	// BulkUpsertStates stores the latest state of every character in states
	BulkUpsertStates(ctx context.Context, states []CharacterStateSnapshot) error
	// WriteCriticalEvent appends one critical event
	WriteCriticalEvent(ctx context.Context, event CriticalEvent) error
}

// Metrics is a point in time view of the pipeline counters
type Metrics struct {
	QueueDepth          int    `json:"queue_depth"`
	PendingNonCritical  int    `json:"pending_non_critical"`
	FlushCount          uint64 `json:"flush_count"`
	FlushedRecords      uint64 `json:"flushed_records"`
	CriticalCount       uint64 `json:"critical_count"`
	ErrorCount          uint64 `json:"error_count"`
	LastFlushDurationMs uint64 `json:"last_flush_duration_ms"`
}
