package directory

import (
	"sort"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("directory")

// EntryPointRoute is a selectable entry point
type EntryPointRoute struct {
	WorldID    uint16 `json:"world_id"`
	EntryID    uint16 `json:"entry_id"`
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	MaxPlayers uint32 `json:"max_players"`
}

// MapRoute is a selectable map instance
type MapRoute struct {
	Route         protocol.RouteKey `json:"route"`
	MapName       string            `json:"map_name"`
	SoftPlayerCap uint32            `json:"soft_player_cap"`
}

type entryKey struct {
	world, entry uint16
}

type mapKey struct {
	world, entry, mapID uint16
}

type staticEntry struct {
	worldName  string
	entryName  string
	host       string
	port       uint16
	maxPlayers uint32
}

type staticMap struct {
	name          string
	softPlayerCap uint32
}

// Directory is the routing table of the world. Static entry and map metadata
// is read-only after NewDirectory; the live occupancy per route is a
// concurrent map that many map actors update at once.
type Directory struct {
	worldOrder  []uint16
	entryStatic map[entryKey]staticEntry
	mapStatic   map[mapKey]staticMap

	routePlayers *xsync.MapOf[protocol.RouteKey, uint32]
}

// NewDirectory builds the directory and registers the base instances of every map
func NewDirectory(t Topology) *Directory {
	d := &Directory{
		entryStatic:  make(map[entryKey]staticEntry),
		mapStatic:    make(map[mapKey]staticMap),
		routePlayers: xsync.NewMapOf[protocol.RouteKey, uint32](),
	}

	for _, w := range t.Worlds {
		d.worldOrder = append(d.worldOrder, w.ID)
		for _, e := range w.EntryPoints {
			d.entryStatic[entryKey{w.ID, e.ID}] = staticEntry{
				worldName:  w.Name,
				entryName:  e.Name,
				host:       e.Host,
				port:       e.Port,
				maxPlayers: e.MaxPlayers,
			}
			for _, m := range e.Maps {
				d.mapStatic[mapKey{w.ID, e.ID, m.ID}] = staticMap{name: m.Name, softPlayerCap: m.SoftPlayerCap}
				for inst := uint16(1); inst <= m.BaseInstances && inst != 0; inst++ {
					d.routePlayers.Store(protocol.RouteKey{WorldID: w.ID, EntryID: e.ID, MapID: m.ID, InstanceID: inst}, 0)
				}
			}
		}
	}

	log.Infof("directory loaded: %d worlds, %d entry points, %d maps, %d instances",
		len(d.worldOrder), len(d.entryStatic), len(d.mapStatic), d.routePlayers.Size())
	return d
}

// --------------------------------------------------------------------------
// Selection
// --------------------------------------------------------------------------

// DefaultWorld returns the first configured world
func (d *Directory) DefaultWorld() (uint16, bool) {
	if len(d.worldOrder) == 0 {
		return 0, false
	}
	return d.worldOrder[0], true
}

// SelectBestEntry returns the least loaded entry point of a world that is still
// under its max players. Ties go to the lower entry id.
func (d *Directory) SelectBestEntry(worldID uint16) (EntryPointRoute, bool) {
	loads := d.entryLoads()

	var (
		best     EntryPointRoute
		bestLoad uint32
		found    bool
	)
	for key, meta := range d.entryStatic {
		if key.world != worldID {
			continue
		}
		load := loads[key]
		if load >= meta.maxPlayers {
			continue
		}
		if !found || load < bestLoad || (load == bestLoad && key.entry < best.EntryID) {
			best = EntryPointRoute{
				WorldID:    key.world,
				EntryID:    key.entry,
				Host:       meta.host,
				Port:       meta.port,
				MaxPlayers: meta.maxPlayers,
			}
			bestLoad = load
			found = true
		}
	}
	return best, found
}

// SelectBestMapInstance returns the least loaded live instance of a map that is
// under the soft cap. Ties go to the lower instance id. It returns false when
// the map is unknown or every instance is full, which calls for a scale-out.
func (d *Directory) SelectBestMapInstance(worldID, entryID, mapID uint16) (MapRoute, bool) {
	meta, ok := d.mapStatic[mapKey{worldID, entryID, mapID}]
	if !ok {
		return MapRoute{}, false
	}

	var (
		best     protocol.RouteKey
		bestLoad uint32
		found    bool
	)
	d.routePlayers.Range(func(route protocol.RouteKey, players uint32) bool {
		if route.WorldID != worldID || route.EntryID != entryID || route.MapID != mapID {
			return true
		}
		if players >= meta.softPlayerCap {
			return true
		}
		if !found || players < bestLoad || (players == bestLoad && route.InstanceID < best.InstanceID) {
			best, bestLoad, found = route, players, true
		}
		return true
	})
	if !found {
		return MapRoute{}, false
	}
	return MapRoute{Route: best, MapName: meta.name, SoftPlayerCap: meta.softPlayerCap}, true
}

// --------------------------------------------------------------------------
// Scale-out
// --------------------------------------------------------------------------

// MapTemplate returns the static name and soft cap of a map
func (d *Directory) MapTemplate(worldID, entryID, mapID uint16) (string, uint32, bool) {
	meta, ok := d.mapStatic[mapKey{worldID, entryID, mapID}]
	return meta.name, meta.softPlayerCap, ok
}

// NextInstanceID returns one past the highest instance id of a map. The id is
// only a proposal; RegisterInstanceRoute decides who owns it.
func (d *Directory) NextInstanceID(worldID, entryID, mapID uint16) (uint16, bool) {
	if _, ok := d.mapStatic[mapKey{worldID, entryID, mapID}]; !ok {
		return 0, false
	}
	var highest uint16
	d.routePlayers.Range(func(route protocol.RouteKey, _ uint32) bool {
		if route.WorldID == worldID && route.EntryID == entryID && route.MapID == mapID && route.InstanceID > highest {
			highest = route.InstanceID
		}
		return true
	})
	if highest == ^uint16(0) {
		return 0, false
	}
	return highest + 1, true
}

// RegisterInstanceRoute claims route with zero players. It returns true only for
// the caller that inserted the key; a second claim of the same route fails.
func (d *Directory) RegisterInstanceRoute(route protocol.RouteKey) bool {
	if _, ok := d.mapStatic[mapKey{route.WorldID, route.EntryID, route.MapID}]; !ok {
		return false
	}
	_, loaded := d.routePlayers.LoadOrStore(route, 0)
	if !loaded {
		log.Infof("registered instance route %s", route)
	}
	return !loaded
}

// --------------------------------------------------------------------------
// Occupancy
// --------------------------------------------------------------------------

// UpdateRoutePlayers sets the player count of a known route. It returns false
// for a route that was never registered.
func (d *Directory) UpdateRoutePlayers(route protocol.RouteKey, players uint32) bool {
	_, found := d.adjust(route, func(uint32) uint32 { return players })
	return found
}

// IncrementRoutePlayers adds one player to a known route and returns the new count
func (d *Directory) IncrementRoutePlayers(route protocol.RouteKey) (uint32, bool) {
	return d.adjust(route, func(v uint32) uint32 { return v + 1 })
}

// DecrementRoutePlayers removes one player from a known route, never going below zero
func (d *Directory) DecrementRoutePlayers(route protocol.RouteKey) (uint32, bool) {
	return d.adjust(route, func(v uint32) uint32 {
		if v == 0 {
			return 0
		}
		return v - 1
	})
}

func (d *Directory) adjust(route protocol.RouteKey, fn func(uint32) uint32) (uint32, bool) {
	found := false
	v, _ := d.routePlayers.Compute(route, func(old uint32, loaded bool) (uint32, bool) {
		if !loaded {
			// unknown routes are not created by occupancy updates
			return 0, true
		}
		found = true
		return fn(old), false
	})
	return v, found
}

// CurrentPlayersForRoute returns the live count of a route
func (d *Directory) CurrentPlayersForRoute(route protocol.RouteKey) (uint32, bool) {
	return d.routePlayers.Load(route)
}

// RouteCount returns the number of live instance routes
func (d *Directory) RouteCount() int {
	return d.routePlayers.Size()
}

func (d *Directory) entryLoads() map[entryKey]uint32 {
	loads := make(map[entryKey]uint32, len(d.entryStatic))
	d.routePlayers.Range(func(route protocol.RouteKey, players uint32) bool {
		loads[entryKey{route.WorldID, route.EntryID}] += players
		return true
	})
	return loads
}

// --------------------------------------------------------------------------
// Observability
// --------------------------------------------------------------------------

// Snapshot is the read-only world → entry → map instance tree
type Snapshot struct {
	Worlds []WorldSnapshot `json:"worlds"`
}

type WorldSnapshot struct {
	WorldID   uint16          `json:"world_id"`
	WorldName string          `json:"world_name"`
	Entries   []EntrySnapshot `json:"entries"`
}

type EntrySnapshot struct {
	EntryID        uint16        `json:"entry_id"`
	EntryName      string        `json:"entry_name"`
	Host           string        `json:"host"`
	Port           uint16        `json:"port"`
	CurrentPlayers uint32        `json:"current_players"`
	MaxPlayers     uint32        `json:"max_players"`
	Maps           []MapSnapshot `json:"maps"`
}

type MapSnapshot struct {
	MapID          uint16 `json:"map_id"`
	MapName        string `json:"map_name"`
	InstanceID     uint16 `json:"instance_id"`
	CurrentPlayers uint32 `json:"current_players"`
	SoftPlayerCap  uint32 `json:"soft_player_cap"`
}

// Snapshot returns the current tree, sorted by ids
func (d *Directory) Snapshot() Snapshot {
	maps := make(map[entryKey][]MapSnapshot)
	loads := make(map[entryKey]uint32)
	d.routePlayers.Range(func(route protocol.RouteKey, players uint32) bool {
		key := entryKey{route.WorldID, route.EntryID}
		loads[key] += players
		meta, ok := d.mapStatic[mapKey{route.WorldID, route.EntryID, route.MapID}]
		if !ok {
			return true
		}
		maps[key] = append(maps[key], MapSnapshot{
			MapID:          route.MapID,
			MapName:        meta.name,
			InstanceID:     route.InstanceID,
			CurrentPlayers: players,
			SoftPlayerCap:  meta.softPlayerCap,
		})
		return true
	})

	worlds := make(map[uint16]*WorldSnapshot)
	for key, meta := range d.entryStatic {
		w, ok := worlds[key.world]
		if !ok {
			w = &WorldSnapshot{WorldID: key.world, WorldName: meta.worldName}
			worlds[key.world] = w
		}
		entryMaps := maps[key]
		sort.Slice(entryMaps, func(i, j int) bool {
			if entryMaps[i].MapID != entryMaps[j].MapID {
				return entryMaps[i].MapID < entryMaps[j].MapID
			}
			return entryMaps[i].InstanceID < entryMaps[j].InstanceID
		})
		w.Entries = append(w.Entries, EntrySnapshot{
			EntryID:        key.entry,
			EntryName:      meta.entryName,
			Host:           meta.host,
			Port:           meta.port,
			CurrentPlayers: loads[key],
			MaxPlayers:     meta.maxPlayers,
			Maps:           entryMaps,
		})
	}

	out := Snapshot{Worlds: make([]WorldSnapshot, 0, len(worlds))}
	for _, w := range worlds {
		sort.Slice(w.Entries, func(i, j int) bool { return w.Entries[i].EntryID < w.Entries[j].EntryID })
		out.Worlds = append(out.Worlds, *w)
	}
	sort.Slice(out.Worlds, func(i, j int) bool { return out.Worlds[i].WorldID < out.Worlds[j].WorldID })
	return out
}

// AllEntryPoints lists every configured entry point sorted by world and entry id
func (d *Directory) AllEntryPoints() []EntryPointRoute {
	points := make([]EntryPointRoute, 0, len(d.entryStatic))
	for key, meta := range d.entryStatic {
		points = append(points, EntryPointRoute{
			WorldID:    key.world,
			EntryID:    key.entry,
			Host:       meta.host,
			Port:       meta.port,
			MaxPlayers: meta.maxPlayers,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].WorldID != points[j].WorldID {
			return points[i].WorldID < points[j].WorldID
		}
		return points[i].EntryID < points[j].EntryID
	})
	return points
}
