package raftsink

import (
	"fmt"

	"github.com/ValentinKolb/mucore/lib/encoding/postcard"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
)

// CommandType defines the write operations of the state machine
type CommandType uint8

const (
	CommandTUpsertStates  CommandType = iota // store the latest state of characters
	CommandTCriticalEvent                    // append a critical event
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTUpsertStates:
		return "UpsertStates"
	case CommandTCriticalEvent:
		return "CriticalEvent"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(ct))
	}
}

// Command is a single entry in the raft log
type Command struct {
	Type   CommandType
	States []persistence.CharacterStateSnapshot
	Event  persistence.CriticalEvent
}

// Serialize encodes the command as [type][body] using the postcard layout
func (c *Command) Serialize() []byte {
	w := postcard.NewWriter(16 + len(c.States)*24)
	w.U8(uint8(c.Type))
	switch c.Type {
	case CommandTUpsertStates:
		w.SeqLen(len(c.States))
		for i := range c.States {
			writeState(w, &c.States[i])
		}
	case CommandTCriticalEvent:
		writeEvent(w, &c.Event)
	}
	return w.Bytes()
}

// Deserialize decodes a command produced by Serialize
func (c *Command) Deserialize(data []byte) error {
	r := postcard.NewReader(data)
	t, err := r.U8()
	if err != nil {
		return fmt.Errorf("data too short for command: %w", err)
	}
	c.Type = CommandType(t)

	switch c.Type {
	case CommandTUpsertStates:
		// character id + route + 4 vitals + timestamp
		n, err := r.SeqLen(10)
		if err != nil {
			return err
		}
		c.States = make([]persistence.CharacterStateSnapshot, n)
		for i := range c.States {
			if c.States[i], err = readState(r); err != nil {
				return err
			}
		}
	case CommandTCriticalEvent:
		if c.Event, err = readEvent(r); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command type %d", t)
	}
	return r.Finish()
}

// --------------------------------------------------------------------------
// Record encoding, shared by commands and snapshots
// --------------------------------------------------------------------------

func writeState(w *postcard.Writer, s *persistence.CharacterStateSnapshot) {
	w.U64(s.CharacterID)
	s.Route.EncodeTo(w)
	w.U16(s.X)
	w.U16(s.Y)
	w.U16(s.HP)
	w.U16(s.MP)
	w.U64(s.UpdatedAtMs)
}

func readState(r *postcard.Reader) (s persistence.CharacterStateSnapshot, err error) {
	if s.CharacterID, err = r.U64(); err != nil {
		return
	}
	if s.Route, err = protocol.DecodeRouteKey(r); err != nil {
		return
	}
	if s.X, err = r.U16(); err != nil {
		return
	}
	if s.Y, err = r.U16(); err != nil {
		return
	}
	if s.HP, err = r.U16(); err != nil {
		return
	}
	if s.MP, err = r.U16(); err != nil {
		return
	}
	s.UpdatedAtMs, err = r.U64()
	return
}

func writeEvent(w *postcard.Writer, e *persistence.CriticalEvent) {
	w.U64(e.EventID.Hi)
	w.U64(e.EventID.Lo)
	w.U64(e.CharacterID)
	e.Route.EncodeTo(w)
	w.U8(uint8(e.Kind))
	w.Str(e.Payload)
	w.U64(e.OccurredAtMs)
}

func readEvent(r *postcard.Reader) (e persistence.CriticalEvent, err error) {
	if e.EventID.Hi, err = r.U64(); err != nil {
		return
	}
	if e.EventID.Lo, err = r.U64(); err != nil {
		return
	}
	if e.CharacterID, err = r.U64(); err != nil {
		return
	}
	if e.Route, err = protocol.DecodeRouteKey(r); err != nil {
		return
	}
	var kind uint8
	if kind, err = r.U8(); err != nil {
		return
	}
	e.Kind = persistence.CriticalEventKind(kind)
	if e.Payload, err = r.Str(); err != nil {
		return
	}
	e.OccurredAtMs, err = r.U64()
	return
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// QueryType defines the read operations of the state machine
type QueryType uint8

const (
	QueryTGetState       QueryType = iota // state of one character
	QueryTCriticalEvents                  // critical events, optionally of one character
	QueryTCounts                          // number of states and events
)

// Query is passed to Lookup
type Query struct {
	Type        QueryType
	CharacterID uint64
}

// StateResult is the answer to QueryTGetState
type StateResult struct {
	State persistence.CharacterStateSnapshot
	Ok    bool
}

// CountResult is the answer to QueryTCounts
type CountResult struct {
	States int
	Events int
}

// result codes of Update
const (
	resultSuccess uint64 = iota
	resultDuplicate
	resultInvalid
)
