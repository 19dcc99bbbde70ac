package protocol

import (
	"fmt"

	"github.com/ValentinKolb/mucore/lib/encoding/postcard"
)

// ProtocolVersion is carried by every envelope. Versions must match exactly.
type ProtocolVersion struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

// CurrentVersion is the version spoken by this build of client and server
var CurrentVersion = ProtocolVersion{Major: 2, Minor: 0}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// RouteKey identifies one map shard: (world, entry point, map, instance).
type RouteKey struct {
	WorldID    uint16 `json:"world_id" yaml:"world_id"`
	EntryID    uint16 `json:"entry_id" yaml:"entry_id"`
	MapID      uint16 `json:"map_id" yaml:"map_id"`
	InstanceID uint16 `json:"instance_id" yaml:"instance_id"`
}

// Lobby is the route of a session that has not entered a map yet
var Lobby = RouteKey{}

// IsLobby reports whether r is the reserved lobby route
func (r RouteKey) IsLobby() bool {
	return r == Lobby
}

func (r RouteKey) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", r.WorldID, r.EntryID, r.MapID, r.InstanceID)
}

// Less orders routes by world, entry, map and instance
func (r RouteKey) Less(o RouteKey) bool {
	if r.WorldID != o.WorldID {
		return r.WorldID < o.WorldID
	}
	if r.EntryID != o.EntryID {
		return r.EntryID < o.EntryID
	}
	if r.MapID != o.MapID {
		return r.MapID < o.MapID
	}
	return r.InstanceID < o.InstanceID
}

// EncodeTo writes the route in wire layout
func (r RouteKey) EncodeTo(w *postcard.Writer) {
	w.U16(r.WorldID)
	w.U16(r.EntryID)
	w.U16(r.MapID)
	w.U16(r.InstanceID)
}

// DecodeRouteKey reads a route in wire layout
func DecodeRouteKey(r *postcard.Reader) (RouteKey, error) {
	var (
		route RouteKey
		err   error
	)
	if route.WorldID, err = r.U16(); err != nil {
		return route, err
	}
	if route.EntryID, err = r.U16(); err != nil {
		return route, err
	}
	if route.MapID, err = r.U16(); err != nil {
		return route, err
	}
	route.InstanceID, err = r.U16()
	return route, err
}
