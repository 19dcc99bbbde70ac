package mapserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("mapserver")

// ErrStopped is returned by commands sent to a stopped map server
var ErrStopped = errors.New("map server is stopped")

// DefaultMailboxSize is the capacity of the command queue
const DefaultMailboxSize = 4096

// Config describes one map instance
type Config struct {
	Route         protocol.RouteKey
	MapName       string
	SoftPlayerCap uint32
	PlayerTick    time.Duration
	MonsterTick   time.Duration
	MailboxSize   int
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Persister receives character snapshots
type Persister interface {
	EnqueueNonCritical(ctx context.Context, snapshot persistence.CharacterStateSnapshot) error
	FlushCharacter(ctx context.Context, characterID uint64, final *persistence.CharacterStateSnapshot) error
}

// Publisher fans out local chat
type Publisher interface {
	Publish(topic string, msg hub.Message) int
}

// Occupancy tracks the number of players per route
type Occupancy interface {
	IncrementRoutePlayers(route protocol.RouteKey) (uint32, bool)
	DecrementRoutePlayers(route protocol.RouteKey) (uint32, bool)
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

type commandKind uint8

const (
	cmdJoin commandKind = iota
	cmdLeave
	cmdMove
	cmdUseSkill
	cmdLocalChat
	cmdShutdown
)

type command struct {
	kind        commandKind
	sessionID   uint64
	characterID uint64
	x, y        uint16
	move        protocol.Move
	skill       protocol.UseSkill
	chat        protocol.ChatPayload
}

type player struct {
	characterID uint64
	x, y        uint16
	hp, mp      uint16
	lastTick    uint32
}

// Server is the actor owning one map instance. All roster state is owned by
// its goroutine; the public methods only enqueue commands.
type Server struct {
	cfg       Config
	mailbox   chan command
	done      chan struct{}
	persister Persister
	publisher Publisher
	occupancy Occupancy

	statsMu sync.RWMutex
	stats   Stats

	registry     gometrics.Registry
	playerTicks  gometrics.Counter
	monsterTicks gometrics.Counter
	skippedTicks gometrics.Counter
	tickLatency  gometrics.Histogram

	// owned by the actor goroutine
	players map[uint64]*player
	samples latencySamples
}

// Start creates a map server and starts its goroutine
func Start(cfg Config, persister Persister, publisher Publisher, occupancy Occupancy) *Server {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.PlayerTick <= 0 {
		cfg.PlayerTick = 50 * time.Millisecond
	}
	if cfg.MonsterTick <= 0 {
		cfg.MonsterTick = 150 * time.Millisecond
	}

	s := &Server{
		cfg:       cfg,
		mailbox:   make(chan command, cfg.MailboxSize),
		done:      make(chan struct{}),
		persister: persister,
		publisher: publisher,
		occupancy: occupancy,
		stats: Stats{
			Route:         cfg.Route,
			MapName:       cfg.MapName,
			State:         StateRunning,
			SoftPlayerCap: cfg.SoftPlayerCap,
			MonsterCount:  DefaultMonsterCount,
		},
		registry: gometrics.NewRegistry(),
		players:  make(map[uint64]*player),
	}
	s.playerTicks = gometrics.NewCounter()
	s.monsterTicks = gometrics.NewCounter()
	s.skippedTicks = gometrics.NewCounter()
	s.tickLatency = gometrics.NewHistogram(gometrics.NewUniformSample(latencyWindow))
	_ = s.registry.Register("player_ticks", s.playerTicks)
	_ = s.registry.Register("monster_ticks", s.monsterTicks)
	_ = s.registry.Register("monster_ticks_skipped", s.skippedTicks)
	_ = s.registry.Register("player_tick_us", s.tickLatency)

	go s.run()
	log.Infof("map server %s (%s) started", cfg.Route, cfg.MapName)
	return s
}

// Route returns the route served by s
func (s *Server) Route() protocol.RouteKey { return s.cfg.Route }

// Done is closed once the server has stopped
func (s *Server) Done() <-chan struct{} { return s.done }

// Join adds a character to the roster at (x, y)
func (s *Server) Join(ctx context.Context, sessionID, characterID uint64, x, y uint16) error {
	return s.send(ctx, command{kind: cmdJoin, sessionID: sessionID, characterID: characterID, x: x, y: y})
}

// Leave removes a character and forces the write of its final state
func (s *Server) Leave(ctx context.Context, characterID uint64) error {
	return s.send(ctx, command{kind: cmdLeave, characterID: characterID})
}

// MovePlayer updates the position of a character
func (s *Server) MovePlayer(ctx context.Context, characterID uint64, input protocol.Move) error {
	return s.send(ctx, command{kind: cmdMove, characterID: characterID, move: input})
}

// UseSkill applies the resource cost of a skill
func (s *Server) UseSkill(ctx context.Context, characterID uint64, input protocol.UseSkill) error {
	return s.send(ctx, command{kind: cmdUseSkill, characterID: characterID, skill: input})
}

// LocalChat publishes chat to the map topic if the character is on this map
func (s *Server) LocalChat(ctx context.Context, sessionID, characterID uint64, chat protocol.ChatPayload) error {
	return s.send(ctx, command{kind: cmdLocalChat, sessionID: sessionID, characterID: characterID, chat: chat})
}

// Shutdown drains the mailbox, flushes every resident and waits until the
// server has stopped
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.send(ctx, command{kind: cmdShutdown})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a copy of the current statistics
func (s *Server) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// TickMetrics returns the go-metrics view of the tick loop
func (s *Server) TickMetrics() map[string]map[string]interface{} {
	return s.registry.GetAll()
}

func (s *Server) send(ctx context.Context, cmd command) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.mailbox <- cmd:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) updateStats(fn func(st *Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

// --------------------------------------------------------------------------
// Actor loop
// --------------------------------------------------------------------------

func (s *Server) run() {
	defer close(s.done)

	playerTick := time.NewTicker(s.cfg.PlayerTick)
	defer playerTick.Stop()
	monsterTick := time.NewTicker(s.cfg.MonsterTick)
	defer monsterTick.Stop()

	ctx := context.Background()
	for {
		select {
		case cmd := <-s.mailbox:
			if cmd.kind == cmdShutdown {
				s.drain(ctx)
				return
			}
			s.handle(ctx, cmd)
		case <-playerTick.C:
			s.onPlayerTick(ctx)
		case <-monsterTick.C:
			s.onMonsterTick()
		}
	}
}

func (s *Server) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdJoin:
		if p, ok := s.players[cmd.characterID]; ok {
			p.x, p.y = cmd.x, cmd.y
			return
		}
		s.players[cmd.characterID] = &player{characterID: cmd.characterID, x: cmd.x, y: cmd.y, hp: 100, mp: 100}
		s.occupancy.IncrementRoutePlayers(s.cfg.Route)
		s.setPlayerCount()
		log.Debugf("%s: character %d joined (session %d)", s.cfg.Route, cmd.characterID, cmd.sessionID)

	case cmdLeave:
		p, ok := s.players[cmd.characterID]
		if !ok {
			return
		}
		delete(s.players, cmd.characterID)
		final := s.snapshot(p)
		if err := s.persister.FlushCharacter(ctx, p.characterID, &final); err != nil {
			log.Warningf("%s: flush of character %d failed: %v", s.cfg.Route, p.characterID, err)
		}
		s.occupancy.DecrementRoutePlayers(s.cfg.Route)
		s.setPlayerCount()
		log.Debugf("%s: character %d left", s.cfg.Route, cmd.characterID)

	case cmdMove:
		if p, ok := s.players[cmd.characterID]; ok {
			p.x, p.y = cmd.move.X, cmd.move.Y
			p.lastTick = cmd.move.ClientTick
		}

	case cmdUseSkill:
		if p, ok := s.players[cmd.characterID]; ok {
			p.lastTick = cmd.skill.ClientTick
			if cmd.skill.TargetEntityID != nil && p.mp > 0 {
				p.mp--
			}
		}

	case cmdLocalChat:
		if _, ok := s.players[cmd.characterID]; !ok {
			return
		}
		n := s.publisher.Publish(hub.LocalMapTopic(s.cfg.Route), hub.Message{
			FromSessionID: cmd.sessionID,
			Route:         s.cfg.Route,
			Payload:       cmd.chat,
		})
		log.Debugf("%s: local chat from session %d reached %d subscribers", s.cfg.Route, cmd.sessionID, n)
	}
}

// drain handles the commands queued before the shutdown and flushes every resident
func (s *Server) drain(ctx context.Context) {
	s.updateStats(func(st *Stats) { st.State = StateDraining })

	for drained := false; !drained; {
		select {
		case cmd := <-s.mailbox:
			if cmd.kind != cmdShutdown {
				s.handle(ctx, cmd)
			}
		default:
			drained = true
		}
	}

	for id, p := range s.players {
		final := s.snapshot(p)
		if err := s.persister.FlushCharacter(ctx, id, &final); err != nil {
			log.Warningf("%s: flush of character %d failed: %v", s.cfg.Route, id, err)
		}
		s.occupancy.DecrementRoutePlayers(s.cfg.Route)
	}
	flushed := len(s.players)
	s.players = make(map[uint64]*player)

	s.updateStats(func(st *Stats) {
		st.State = StateStopped
		st.CurrentPlayers = 0
	})
	log.Infof("map server %s stopped, flushed %d characters", s.cfg.Route, flushed)
}

func (s *Server) onPlayerTick(ctx context.Context) {
	started := time.Now()

	for _, p := range s.players {
		if err := s.persister.EnqueueNonCritical(ctx, s.snapshot(p)); err != nil {
			log.Debugf("%s: snapshot of character %d dropped: %v", s.cfg.Route, p.characterID, err)
		}
	}

	elapsed := uint64(time.Since(started).Microseconds())
	s.samples.add(elapsed)
	s.tickLatency.Update(int64(elapsed))
	s.playerTicks.Inc(1)

	p95 := s.samples.p95()
	budget := uint64(s.cfg.PlayerTick.Microseconds())
	count := uint32(len(s.players))
	s.updateStats(func(st *Stats) {
		st.PlayerTicks++
		st.PlayerTickP95Us = p95
		st.CurrentPlayers = count
		st.MonsterDegradationLevel = nextDegradation(st.MonsterDegradationLevel, p95, budget)
	})
}

func (s *Server) onMonsterTick() {
	s.monsterTicks.Inc(1)
	s.updateStats(func(st *Stats) {
		skip := skipMonsterTick(st.MonsterDegradationLevel, st.MonsterTicks)
		st.MonsterTicks++
		if skip {
			st.SkippedMonsterTicks++
			s.skippedTicks.Inc(1)
		}
	})
}

func (s *Server) setPlayerCount() {
	count := uint32(len(s.players))
	s.updateStats(func(st *Stats) { st.CurrentPlayers = count })
}

func (s *Server) snapshot(p *player) persistence.CharacterStateSnapshot {
	return persistence.CharacterStateSnapshot{
		CharacterID: p.characterID,
		Route:       s.cfg.Route,
		X:           p.x,
		Y:           p.y,
		HP:          p.hp,
		MP:          p.mp,
		UpdatedAtMs: uint64(time.Now().UnixMilli()),
	}
}
