package mapserver

import (
	"fmt"
	"sort"

	"github.com/ValentinKolb/mucore/lib/protocol"
)

const (
	// DefaultMonsterCount is the fixed monster population of a map instance
	DefaultMonsterCount = 16
	// MaxDegradationLevel is the highest monster throttling level
	MaxDegradationLevel = 4

	latencyWindow = 200
)

// State is the lifecycle state of a map server
type State uint8

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// MarshalText renders the state by name in JSON output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateRunning, StateDraining, StateStopped} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown map server state %q", text)
}

// Stats is the self-reported state of a map server
type Stats struct {
	Route                   protocol.RouteKey `json:"route"`
	MapName                 string            `json:"map_name"`
	State                   State             `json:"state"`
	CurrentPlayers          uint32            `json:"current_players"`
	SoftPlayerCap           uint32            `json:"soft_player_cap"`
	MonsterCount            uint32            `json:"monster_count"`
	PlayerTicks             uint64            `json:"player_ticks"`
	MonsterTicks            uint64            `json:"monster_ticks"`
	SkippedMonsterTicks     uint64            `json:"skipped_monster_ticks"`
	MonsterDegradationLevel uint8             `json:"monster_degradation_level"`
	PlayerTickP95Us         uint64            `json:"player_tick_p95_us"`
}

// --------------------------------------------------------------------------
// Degradation policy
// --------------------------------------------------------------------------

// latencySamples is a sliding window of player tick durations in microseconds
type latencySamples struct {
	values []uint64
	sorted []uint64
}

func (l *latencySamples) add(us uint64) {
	if len(l.values) == latencyWindow {
		copy(l.values, l.values[1:])
		l.values = l.values[:latencyWindow-1]
	}
	l.values = append(l.values, us)
}

// p95 returns the 95th percentile of the window, 0 when empty
func (l *latencySamples) p95() uint64 {
	if len(l.values) == 0 {
		return 0
	}
	l.sorted = append(l.sorted[:0], l.values...)
	sort.Slice(l.sorted, func(i, j int) bool { return l.sorted[i] < l.sorted[j] })
	return l.sorted[int(float64(len(l.sorted)-1)*0.95)]
}

// nextDegradation raises the level while p95 exceeds the budget and lowers it
// by one step once it recovers
func nextDegradation(level uint8, p95Us, budgetUs uint64) uint8 {
	if p95Us > budgetUs {
		if level < MaxDegradationLevel {
			return level + 1
		}
		return level
	}
	if level > 0 {
		return level - 1
	}
	return 0
}

// skipMonsterTick reports whether the monster tick with the given counter is
// dropped at the given level. Level n keeps one tick out of n+1.
func skipMonsterTick(level uint8, monsterTicks uint64) bool {
	return level > 0 && monsterTicks%uint64(level+1) != 0
}
