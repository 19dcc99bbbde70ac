package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/directory"
	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/mapserver"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var log = logger.GetLogger("core")

const (
	// CriticalSkillThreshold is the first skill id whose use is recorded as a critical event
	CriticalSkillThreshold = 200
	// SpawnX and SpawnY are the coordinates a character enters a map at
	SpawnX = 125
	SpawnY = 125
	// DefaultMapID is the map a selected character is routed to
	DefaultMapID = 0
)

// Config holds the tunables of the orchestrator
type Config struct {
	PlayerTick    time.Duration
	MonsterTick   time.Duration
	TransferTTL   time.Duration
	SweepInterval time.Duration
	// RateLimit is the number of gameplay commands per second and session, 0 disables it
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PlayerTick:    50 * time.Millisecond,
		MonsterTick:   150 * time.Millisecond,
		TransferTTL:   30 * time.Second,
		SweepInterval: 5 * time.Second,
		RateLimit:     30,
		RateBurst:     60,
	}
}

// RuntimeStats is the runtime overview served on the admin endpoint
type RuntimeStats struct {
	OnlineMaps           int `json:"online_maps"`
	ActiveTransfers      int `json:"active_transfers"`
	ActiveSessionsInMaps int `json:"active_sessions_in_maps"`
}

// Orchestrator owns the session lifecycle: it authenticates sessions, routes
// selected characters into map instances and forwards gameplay commands to the
// map server owning the session's route.
type Orchestrator struct {
	cfg         Config
	directory   *directory.Directory
	hub         *hub.Hub
	persistence *persistence.Pipeline
	protocol    *protocol.Runtime
	tokens      *auth.Service

	maps             *xsync.MapOf[protocol.RouteKey, *mapserver.Server]
	sessions         *xsync.MapOf[uint64, *authSession]
	transfers        *xsync.MapOf[uint64, pendingTransfer]
	sessionTransfers *xsync.MapOf[uint64, uint64]
	routes           *xsync.MapOf[uint64, sessionRoute]
	limiters         *xsync.MapOf[uint64, *rate.Limiter]

	transferSeq atomic.Uint64
	scaleMu     sync.Mutex
	metrics     *runtimeMetrics

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the orchestrator, starts a map server for every base instance of
// the directory and starts the transfer sweeper.
func New(cfg Config, dir *directory.Directory, h *hub.Hub, pipeline *persistence.Pipeline, proto *protocol.Runtime, tokens *auth.Service) *Orchestrator {
	def := DefaultConfig()
	if cfg.TransferTTL <= 0 {
		cfg.TransferTTL = def.TransferTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit)
		if cfg.RateBurst <= 0 {
			cfg.RateBurst = 1
		}
	}

	o := &Orchestrator{
		cfg:              cfg,
		directory:        dir,
		hub:              h,
		persistence:      pipeline,
		protocol:         proto,
		tokens:           tokens,
		maps:             xsync.NewMapOf[protocol.RouteKey, *mapserver.Server](),
		sessions:         xsync.NewMapOf[uint64, *authSession](),
		transfers:        xsync.NewMapOf[uint64, pendingTransfer](),
		sessionTransfers: xsync.NewMapOf[uint64, uint64](),
		routes:           xsync.NewMapOf[uint64, sessionRoute](),
		limiters:         xsync.NewMapOf[uint64, *rate.Limiter](),
		stop:             make(chan struct{}),
	}
	o.metrics = newRuntimeMetrics(o)

	for _, w := range dir.Snapshot().Worlds {
		for _, e := range w.Entries {
			for _, m := range e.Maps {
				route := protocol.RouteKey{WorldID: w.WorldID, EntryID: e.EntryID, MapID: m.MapID, InstanceID: m.InstanceID}
				o.startMap(route, m.MapName, m.SoftPlayerCap)
			}
		}
	}

	o.wg.Add(1)
	go o.sweepLoop()

	log.Infof("orchestrator started with %d map servers", o.maps.Size())
	return o
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Protocol returns the protocol runtime used to decode and encode frames
func (o *Orchestrator) Protocol() *protocol.Runtime { return o.protocol }

// Hub returns the chat hub
func (o *Orchestrator) Hub() *hub.Hub { return o.hub }

// DirectorySnapshot returns the current world directory tree
func (o *Orchestrator) DirectorySnapshot() directory.Snapshot { return o.directory.Snapshot() }

// PersistenceMetrics returns the counters of the persistence pipeline
func (o *Orchestrator) PersistenceMetrics() persistence.Metrics { return o.persistence.Metrics() }

// Stats returns the number of maps, pending transfers and sessions in maps
func (o *Orchestrator) Stats() RuntimeStats {
	return RuntimeStats{
		OnlineMaps:           o.maps.Size(),
		ActiveTransfers:      o.transfers.Size(),
		ActiveSessionsInMaps: o.routes.Size(),
	}
}

// MapStats returns the stats of every map server ordered by route
func (o *Orchestrator) MapStats() []mapserver.Stats {
	out := make([]mapserver.Stats, 0, o.maps.Size())
	o.maps.Range(func(_ protocol.RouteKey, s *mapserver.Server) bool {
		out = append(out, s.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route.Less(out[j].Route) })
	return out
}

// TickMetrics returns the go-metrics registry of every map server keyed by route
func (o *Orchestrator) TickMetrics() map[string]map[string]map[string]interface{} {
	out := make(map[string]map[string]map[string]interface{})
	o.maps.Range(func(route protocol.RouteKey, s *mapserver.Server) bool {
		out[route.String()] = s.TickMetrics()
		return true
	})
	return out
}

// SessionRoute returns the route of a session that entered a map
func (o *Orchestrator) SessionRoute(sessionID uint64) (protocol.RouteKey, bool) {
	r, ok := o.routes.Load(sessionID)
	return r.route, ok
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Shutdown stops the sweeper, drains every map server and finally the
// persistence pipeline
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()

	var errs []error
	o.maps.Range(func(route protocol.RouteKey, s *mapserver.Server) bool {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
			log.Warningf("shutdown of map %s failed: %v", route, err)
		}
		return true
	})
	if err := o.persistence.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	log.Infof("orchestrator stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			if n := o.SweepExpiredTransfers(auth.NowMs()); n > 0 {
				log.Debugf("swept %d expired transfers", n)
			}
		}
	}
}

// SweepExpiredTransfers removes every pending transfer expired at nowMs and
// returns how many were removed
func (o *Orchestrator) SweepExpiredTransfers(nowMs uint64) int {
	removed := 0
	o.transfers.Range(func(id uint64, t pendingTransfer) bool {
		if t.expired(nowMs) {
			if _, ok := o.transfers.LoadAndDelete(id); ok {
				o.forgetSessionTransfer(t.sessionID, id)
				removed++
			}
		}
		return true
	})
	return removed
}

// --------------------------------------------------------------------------
// Map servers and scale-out
// --------------------------------------------------------------------------

func (o *Orchestrator) startMap(route protocol.RouteKey, name string, softCap uint32) *mapserver.Server {
	s := mapserver.Start(mapserver.Config{
		Route:         route,
		MapName:       name,
		SoftPlayerCap: softCap,
		PlayerTick:    o.cfg.PlayerTick,
		MonsterTick:   o.cfg.MonsterTick,
	}, o.persistence, o.hub, o.directory)
	o.maps.Store(route, s)
	return s
}

// resolveOrScale returns the best instance of a map, spawning a new instance
// when all are full. Scale-out decisions are serialized by scaleMu and
// re-checked after acquiring it.
func (o *Orchestrator) resolveOrScale(worldID, entryID, mapID uint16) (directory.MapRoute, bool) {
	if route, ok := o.directory.SelectBestMapInstance(worldID, entryID, mapID); ok {
		return route, true
	}

	o.scaleMu.Lock()
	defer o.scaleMu.Unlock()

	if route, ok := o.directory.SelectBestMapInstance(worldID, entryID, mapID); ok {
		return route, true
	}
	o.spawnInstance(worldID, entryID, mapID)
	return o.directory.SelectBestMapInstance(worldID, entryID, mapID)
}

func (o *Orchestrator) spawnInstance(worldID, entryID, mapID uint16) {
	name, softCap, ok := o.directory.MapTemplate(worldID, entryID, mapID)
	if !ok {
		return
	}
	instanceID, ok := o.directory.NextInstanceID(worldID, entryID, mapID)
	if !ok {
		log.Warningf("no free instance id for map %d:%d:%d", worldID, entryID, mapID)
		return
	}
	route := protocol.RouteKey{WorldID: worldID, EntryID: entryID, MapID: mapID, InstanceID: instanceID}
	if !o.directory.RegisterInstanceRoute(route) {
		return
	}
	o.startMap(route, name, softCap)
	o.metrics.scaleOuts.Inc()
	log.Infof("spawned map instance %s (%s)", route, name)
}
