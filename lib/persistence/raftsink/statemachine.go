package raftsink

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/lib/encoding/postcard"
	"github.com/ValentinKolb/mucore/lib/persistence"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is the replicated character store. It keeps the latest state per
// character and an append-only log of critical events. Critical events are
// deduplicated by event id so a retried proposal is applied once.
type StateMachine struct {
	replicaID uint64
	shardID   uint64

	states *xsync.MapOf[uint64, persistence.CharacterStateSnapshot]

	mu     sync.RWMutex
	events []persistence.CriticalEvent
	seen   map[persistence.EventID]struct{}
}

// snapshotData is the consistent view taken by PrepareSnapshot
type snapshotData struct {
	states []persistence.CharacterStateSnapshot
	events []persistence.CriticalEvent
}

// CreateStateMachineFactory returns the factory passed to StartConcurrentReplica
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return newStateMachine(shardID, replicaID)
	}
}

func newStateMachine(shardID, replicaID uint64) *StateMachine {
	return &StateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		states:    xsync.NewMapOf[uint64, persistence.CharacterStateSnapshot](),
		seen:      make(map[persistence.EventID]struct{}),
	}
}

// Lookup answers a Query
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(Query)
	if !ok {
		return nil, fmt.Errorf("invalid query type: %T", itf)
	}

	switch q.Type {
	case QueryTGetState:
		state, ok := fsm.states.Load(q.CharacterID)
		return StateResult{State: state, Ok: ok}, nil
	case QueryTCriticalEvents:
		fsm.mu.RLock()
		defer fsm.mu.RUnlock()
		out := make([]persistence.CriticalEvent, 0)
		for _, e := range fsm.events {
			if q.CharacterID == 0 || e.CharacterID == q.CharacterID {
				out = append(out, e)
			}
		}
		return out, nil
	case QueryTCounts:
		fsm.mu.RLock()
		defer fsm.mu.RUnlock()
		return CountResult{States: fsm.states.Size(), Events: len(fsm.events)}, nil
	default:
		return nil, fmt.Errorf("unknown query operation: %d", q.Type)
	}
}

// Update applies committed commands
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: resultInvalid, Data: []byte("empty command ignored")}
			continue
		}

		cmd := Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: resultInvalid, Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		switch cmd.Type {
		case CommandTUpsertStates:
			for _, s := range cmd.States {
				fsm.states.Store(s.CharacterID, s)
			}
			entries[idx].Result = sm.Result{Value: resultSuccess, Data: []byte(fmt.Sprintf("upserted %d states", len(cmd.States)))}
		case CommandTCriticalEvent:
			fsm.mu.Lock()
			if _, dup := fsm.seen[cmd.Event.EventID]; dup {
				entries[idx].Result = sm.Result{Value: resultDuplicate, Data: []byte(fmt.Sprintf("event %s already applied", cmd.Event.EventID))}
			} else {
				fsm.seen[cmd.Event.EventID] = struct{}{}
				fsm.events = append(fsm.events, cmd.Event)
				entries[idx].Result = sm.Result{Value: resultSuccess, Data: []byte(fmt.Sprintf("event %s applied", cmd.Event.EventID))}
			}
			fsm.mu.Unlock()
		}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine update of %d entries took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot copies the current state. Dragonboat guarantees that no
// Update runs concurrently with this call.
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	data := snapshotData{}
	fsm.states.Range(func(_ uint64, s persistence.CharacterStateSnapshot) bool {
		data.states = append(data.states, s)
		return true
	})
	sort.Slice(data.states, func(i, j int) bool { return data.states[i].CharacterID < data.states[j].CharacterID })

	fsm.mu.RLock()
	data.events = append([]persistence.CriticalEvent(nil), fsm.events...)
	fsm.mu.RUnlock()
	return data, nil
}

// SaveSnapshot writes the prepared state to writer
func (fsm *StateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	data, ok := ctx.(snapshotData)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}

	w := postcard.NewWriter(64 + len(data.states)*24 + len(data.events)*48)
	w.SeqLen(len(data.states))
	for i := range data.states {
		writeState(w, &data.states[i])
	}
	w.SeqLen(len(data.events))
	for i := range data.events {
		writeEvent(w, &data.events[i])
	}
	_, err := writer.Write(w.Bytes())
	return err
}

// RecoverFromSnapshot replaces the state with a snapshot written by SaveSnapshot
func (fsm *StateMachine) RecoverFromSnapshot(reader io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	r := postcard.NewReader(raw)

	n, err := r.SeqLen(10)
	if err != nil {
		return err
	}
	states := make([]persistence.CharacterStateSnapshot, 0, n)
	for i := 0; i < n; i++ {
		s, err := readState(r)
		if err != nil {
			return err
		}
		states = append(states, s)
	}

	// event id (2) + character + route (4) + kind + payload len + timestamp
	n, err = r.SeqLen(10)
	if err != nil {
		return err
	}
	events := make([]persistence.CriticalEvent, 0, n)
	seen := make(map[persistence.EventID]struct{}, n)
	for i := 0; i < n; i++ {
		e, err := readEvent(r)
		if err != nil {
			return err
		}
		events = append(events, e)
		seen[e.EventID] = struct{}{}
	}
	if err := r.Finish(); err != nil {
		return err
	}

	fsm.mu.Lock()
	fsm.states.Clear()
	for _, s := range states {
		fsm.states.Store(s.CharacterID, s)
	}
	fsm.events = events
	fsm.seen = seen
	fsm.mu.Unlock()

	log.Infof("shard %d replica %d recovered %d states and %d critical events", fsm.shardID, fsm.replicaID, len(states), len(events))
	return nil
}

// Close performs any necessary cleanup
func (fsm *StateMachine) Close() error {
	return nil
}
