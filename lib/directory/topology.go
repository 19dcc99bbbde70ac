package directory

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology is the static world layout loaded once at boot
type Topology struct {
	Worlds []WorldConfig `yaml:"worlds" json:"worlds"`
}

// WorldConfig describes one world and its entry points
type WorldConfig struct {
	ID          uint16             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	EntryPoints []EntryPointConfig `yaml:"entry_points" json:"entry_points"`
}

// EntryPointConfig describes one server endpoint of a world
type EntryPointConfig struct {
	ID         uint16      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Host       string      `yaml:"host" json:"host"`
	Port       uint16      `yaml:"port" json:"port"`
	MaxPlayers uint32      `yaml:"max_players" json:"max_players"`
	Maps       []MapConfig `yaml:"maps" json:"maps"`
}

// MapConfig describes a map served by an entry point.
// BaseInstances instances (ids 1..BaseInstances) exist from boot on.
type MapConfig struct {
	ID            uint16 `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	BaseInstances uint16 `yaml:"base_instances" json:"base_instances"`
	SoftPlayerCap uint32 `yaml:"soft_player_cap" json:"soft_player_cap"`
}

// DefaultTopology returns the built-in single world layout
func DefaultTopology() Topology {
	return Topology{
		Worlds: []WorldConfig{{
			ID:   1,
			Name: "Midgard",
			EntryPoints: []EntryPointConfig{{
				ID:         1,
				Name:       "Midgard-1",
				Host:       "127.0.0.1",
				Port:       55901,
				MaxPlayers: 5000,
				Maps: []MapConfig{
					{ID: 0, Name: "Lorencia", BaseInstances: 1, SoftPlayerCap: 300},
					{ID: 1, Name: "Noria", BaseInstances: 1, SoftPlayerCap: 300},
				},
			}},
		}},
	}
}

// LoadTopology reads a YAML topology file
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology parses and validates a YAML topology document
func ParseTopology(data []byte) (Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Validate checks that ids are unique and that the layout is usable
func (t Topology) Validate() error {
	if len(t.Worlds) == 0 {
		return errors.New("topology has no worlds")
	}

	worlds := make(map[uint16]bool)
	for _, w := range t.Worlds {
		if worlds[w.ID] {
			return fmt.Errorf("duplicate world id %d", w.ID)
		}
		worlds[w.ID] = true

		entries := make(map[uint16]bool)
		for _, e := range w.EntryPoints {
			if entries[e.ID] {
				return fmt.Errorf("world %d: duplicate entry id %d", w.ID, e.ID)
			}
			entries[e.ID] = true
			if e.MaxPlayers == 0 {
				return fmt.Errorf("world %d entry %d: max_players must be positive", w.ID, e.ID)
			}

			maps := make(map[uint16]bool)
			for _, m := range e.Maps {
				if maps[m.ID] {
					return fmt.Errorf("world %d entry %d: duplicate map id %d", w.ID, e.ID, m.ID)
				}
				maps[m.ID] = true
				if m.SoftPlayerCap == 0 {
					return fmt.Errorf("world %d entry %d map %d: soft_player_cap must be positive", w.ID, e.ID, m.ID)
				}
			}
		}
	}
	return nil
}
