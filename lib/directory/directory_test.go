package directory

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/mucore/lib/protocol"
)

func route(m, inst uint16) protocol.RouteKey {
	return protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: m, InstanceID: inst}
}

func TestDefaultTopology(t *testing.T) {
	d := NewDirectory(DefaultTopology())

	if n := d.RouteCount(); n != 2 {
		t.Fatalf("expected 2 base instances, got %d", n)
	}
	if w, ok := d.DefaultWorld(); !ok || w != 1 {
		t.Fatalf("unexpected default world %d %v", w, ok)
	}

	r, ok := d.SelectBestMapInstance(1, 1, 0)
	if !ok {
		t.Fatal("expected a route for Lorencia")
	}
	if r.Route != route(0, 1) || r.MapName != "Lorencia" || r.SoftPlayerCap != 300 {
		t.Errorf("unexpected route %+v", r)
	}

	if _, ok := d.SelectBestMapInstance(1, 1, 99); ok {
		t.Error("unknown map must not be selectable")
	}
}

func TestIncrementDecrement(t *testing.T) {
	d := NewDirectory(DefaultTopology())
	r := route(0, 1)

	if n, ok := d.IncrementRoutePlayers(r); !ok || n != 1 {
		t.Fatalf("increment = %d %v", n, ok)
	}
	if n, ok := d.DecrementRoutePlayers(r); !ok || n != 0 {
		t.Fatalf("decrement = %d %v", n, ok)
	}
	if n, ok := d.DecrementRoutePlayers(r); !ok || n != 0 {
		t.Fatalf("decrement below zero = %d %v", n, ok)
	}

	unknown := route(0, 42)
	if _, ok := d.IncrementRoutePlayers(unknown); ok {
		t.Error("increment of an unknown route must fail")
	}
	if d.UpdateRoutePlayers(unknown, 5) {
		t.Error("update of an unknown route must fail")
	}
	if _, ok := d.CurrentPlayersForRoute(unknown); ok {
		t.Error("occupancy updates must not create unknown routes")
	}
	if n := d.RouteCount(); n != 2 {
		t.Errorf("route count = %d, want 2", n)
	}

	if !d.UpdateRoutePlayers(r, 7) {
		t.Fatal("update of a known route failed")
	}
	if n, _ := d.CurrentPlayersForRoute(r); n != 7 {
		t.Errorf("players = %d, want 7", n)
	}
}

func TestSelectBestMapInstanceFairness(t *testing.T) {
	tests := []struct {
		name   string
		counts []uint32 // index i is instance i+1
		cap    uint32
		want   uint16 // 0 means none
	}{
		{"single empty", []uint32{0}, 10, 1},
		{"lowest wins", []uint32{5, 2, 7}, 10, 2},
		{"tie goes to lowest id", []uint32{3, 1, 1}, 10, 2},
		{"full instances are skipped", []uint32{10, 9, 10}, 10, 2},
		{"all at cap", []uint32{10, 10}, 10, 0},
		{"above cap", []uint32{12, 11}, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := Topology{Worlds: []WorldConfig{{
				ID: 1, Name: "W",
				EntryPoints: []EntryPointConfig{{
					ID: 1, Name: "E", Host: "h", Port: 1, MaxPlayers: 1000,
					Maps: []MapConfig{{ID: 0, Name: "M", BaseInstances: uint16(len(tt.counts)), SoftPlayerCap: tt.cap}},
				}},
			}}}
			d := NewDirectory(topo)
			for i, c := range tt.counts {
				d.UpdateRoutePlayers(route(0, uint16(i+1)), c)
			}

			got, ok := d.SelectBestMapInstance(1, 1, 0)
			if tt.want == 0 {
				if ok {
					t.Fatalf("expected no instance, got %+v", got)
				}
				return
			}
			if !ok || got.Route.InstanceID != tt.want {
				t.Fatalf("got %+v %v, want instance %d", got, ok, tt.want)
			}
		})
	}
}

func TestSelectBestEntry(t *testing.T) {
	topo := Topology{Worlds: []WorldConfig{{
		ID: 1, Name: "W",
		EntryPoints: []EntryPointConfig{
			{ID: 1, Name: "A", Host: "a", Port: 1, MaxPlayers: 3, Maps: []MapConfig{{ID: 0, Name: "M", BaseInstances: 1, SoftPlayerCap: 10}}},
			{ID: 2, Name: "B", Host: "b", Port: 2, MaxPlayers: 3, Maps: []MapConfig{{ID: 0, Name: "M", BaseInstances: 1, SoftPlayerCap: 10}}},
		},
	}}}
	d := NewDirectory(topo)

	a := protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 1}
	b := protocol.RouteKey{WorldID: 1, EntryID: 2, MapID: 0, InstanceID: 1}

	if e, ok := d.SelectBestEntry(1); !ok || e.EntryID != 1 {
		t.Fatalf("tie must go to entry 1, got %+v %v", e, ok)
	}

	d.UpdateRoutePlayers(a, 2)
	if e, ok := d.SelectBestEntry(1); !ok || e.EntryID != 2 || e.Host != "b" {
		t.Fatalf("expected entry 2, got %+v %v", e, ok)
	}

	d.UpdateRoutePlayers(a, 3)
	d.UpdateRoutePlayers(b, 3)
	if e, ok := d.SelectBestEntry(1); ok {
		t.Fatalf("all entries saturated, got %+v", e)
	}

	if _, ok := d.SelectBestEntry(2); ok {
		t.Fatal("unknown world must not yield an entry")
	}
}

func TestRegisterInstanceRoute(t *testing.T) {
	d := NewDirectory(DefaultTopology())

	next, ok := d.NextInstanceID(1, 1, 0)
	if !ok || next != 2 {
		t.Fatalf("next instance = %d %v", next, ok)
	}
	if !d.RegisterInstanceRoute(route(0, next)) {
		t.Fatal("first claim must succeed")
	}
	if d.RegisterInstanceRoute(route(0, next)) {
		t.Fatal("second claim must fail")
	}
	if n, ok := d.CurrentPlayersForRoute(route(0, next)); !ok || n != 0 {
		t.Fatalf("new route count = %d %v", n, ok)
	}
	if d.RegisterInstanceRoute(route(7, 1)) {
		t.Fatal("claim for an unknown map must fail")
	}
	if _, ok := d.NextInstanceID(1, 1, 7); ok {
		t.Fatal("unknown map has no next instance")
	}
}

func TestConcurrentClaimCreatesOneInstance(t *testing.T) {
	d := NewDirectory(DefaultTopology())
	next, _ := d.NextInstanceID(1, 1, 0)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.RegisterInstanceRoute(route(0, next)) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	if d.RouteCount() != 3 {
		t.Fatalf("expected 3 routes, got %d", d.RouteCount())
	}
}

func TestConcurrentOccupancy(t *testing.T) {
	d := NewDirectory(DefaultTopology())
	r := route(0, 1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); d.IncrementRoutePlayers(r) }()
		go func() { defer wg.Done(); d.IncrementRoutePlayers(r) }()
	}
	wg.Wait()
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); d.DecrementRoutePlayers(r) }()
	}
	wg.Wait()

	if n, _ := d.CurrentPlayersForRoute(r); n != 60 {
		t.Fatalf("expected 60 players, got %d", n)
	}
}

func TestSnapshot(t *testing.T) {
	d := NewDirectory(DefaultTopology())
	d.RegisterInstanceRoute(route(0, 2))
	d.IncrementRoutePlayers(route(0, 2))
	d.IncrementRoutePlayers(route(1, 1))

	s := d.Snapshot()
	if len(s.Worlds) != 1 || s.Worlds[0].WorldName != "Midgard" {
		t.Fatalf("unexpected worlds %+v", s.Worlds)
	}
	entries := s.Worlds[0].Entries
	if len(entries) != 1 || entries[0].CurrentPlayers != 2 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	maps := entries[0].Maps
	if len(maps) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(maps))
	}
	want := [][2]uint16{{0, 1}, {0, 2}, {1, 1}}
	for i, m := range maps {
		if m.MapID != want[i][0] || m.InstanceID != want[i][1] {
			t.Errorf("map %d = (%d,%d), want %v", i, m.MapID, m.InstanceID, want[i])
		}
	}

	if points := d.AllEntryPoints(); len(points) != 1 || points[0].Port != 55901 {
		t.Errorf("unexpected entry points %+v", points)
	}
}

func TestParseTopology(t *testing.T) {
	doc := `
worlds:
  - id: 1
    name: Midgard
    entry_points:
      - id: 1
        name: Midgard-1
        host: 127.0.0.1
        port: 55901
        max_players: 1000
        maps:
          - id: 0
            name: Lorencia
            base_instances: 2
            soft_player_cap: 300
`
	topo, err := ParseTopology([]byte(doc))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	m := topo.Worlds[0].EntryPoints[0].Maps[0]
	if m.Name != "Lorencia" || m.BaseInstances != 2 {
		t.Errorf("unexpected map %+v", m)
	}

	invalid := map[string]string{
		"empty":        "worlds: []",
		"zero cap":     "worlds: [{id: 1, entry_points: [{id: 1, max_players: 1, maps: [{id: 0}]}]}]",
		"dup world":    "worlds: [{id: 1}, {id: 1}]",
		"zero max":     "worlds: [{id: 1, entry_points: [{id: 1}]}]",
		"not yaml map": "worlds: 3",
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTopology([]byte(doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
