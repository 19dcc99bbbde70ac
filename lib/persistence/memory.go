package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

var errInjected = errors.New("injected sink failure")

// MemorySink keeps states and critical events in memory
type MemorySink struct {
	states *xsync.MapOf[uint64, CharacterStateSnapshot]

	mu          sync.Mutex
	criticalLog []CriticalEvent

	upserts      atomic.Uint64
	failStates   atomic.Bool
	failCritical atomic.Bool
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{states: xsync.NewMapOf[uint64, CharacterStateSnapshot]()}
}

// ------------------------------------------------------------------------
// Interface Methods (docu see persistence.Sink)
// ------------------------------------------------------------------------

func (s *MemorySink) BulkUpsertStates(_ context.Context, states []CharacterStateSnapshot) error {
	if s.failStates.Load() {
		return errInjected
	}
	for _, st := range states {
		s.states.Store(st.CharacterID, st)
		s.upserts.Add(1)
	}
	return nil
}

func (s *MemorySink) WriteCriticalEvent(_ context.Context, event CriticalEvent) error {
	if s.failCritical.Load() {
		return errInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criticalLog = append(s.criticalLog, event)
	return nil
}

// ------------------------------------------------------------------------
// Inspection
// ------------------------------------------------------------------------

// StateCount returns the number of characters with a stored state
func (s *MemorySink) StateCount() int { return s.states.Size() }

// UpsertCount returns the number of records written so far, including overwrites
func (s *MemorySink) UpsertCount() uint64 { return s.upserts.Load() }

// GetState returns the stored state of a character
func (s *MemorySink) GetState(characterID uint64) (CharacterStateSnapshot, bool) {
	return s.states.Load(characterID)
}

// CriticalEvents returns a copy of the critical event log
func (s *MemorySink) CriticalEvents() []CriticalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CriticalEvent(nil), s.criticalLog...)
}

// CriticalCount returns the number of logged critical events
func (s *MemorySink) CriticalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.criticalLog)
}

// FailStates makes state writes fail until called with false
func (s *MemorySink) FailStates(fail bool) { s.failStates.Store(fail) }

// FailCritical makes critical writes fail until called with false
func (s *MemorySink) FailCritical(fail bool) { s.failCritical.Store(fail) }
