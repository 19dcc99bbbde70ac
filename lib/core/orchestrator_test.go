package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/directory"
	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
)

const (
	now       uint64 = 1_700_000_000_000
	accountID uint64 = 77
	sessionID uint64 = 9001
)

var secret = []byte("01234567890123456789012345678901")

type fixture struct {
	o      *Orchestrator
	dir    *directory.Directory
	sink   *persistence.MemorySink
	tokens *auth.Service
	seq    uint32
}

func newFixture(t *testing.T, cfg Config, topo directory.Topology) *fixture {
	t.Helper()
	tokens, err := auth.NewService(secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sink := persistence.NewMemorySink()
	pipeline := persistence.NewPipeline(persistence.Config{FlushTick: time.Hour, MaxFlushLag: time.Hour}, sink)
	dir := directory.NewDirectory(topo)
	proto := protocol.NewRuntime(protocol.DefaultWireCodec(), "welcome", 0)

	if cfg.PlayerTick == 0 {
		cfg.PlayerTick = 10 * time.Millisecond
		cfg.MonsterTick = 20 * time.Millisecond
	}
	o := New(cfg, dir, hub.New(0), pipeline, proto, tokens)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return &fixture{o: o, dir: dir, sink: sink, tokens: tokens}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, Config{}, directory.DefaultTopology())
}

func (f *fixture) token(t *testing.T, characters ...uint64) string {
	t.Helper()
	claims := make([]auth.CharacterClaim, 0, len(characters))
	for _, id := range characters {
		claims = append(claims, auth.CharacterClaim{CharacterID: id, Name: "Hero", ClassID: 1, Level: 10})
	}
	token, err := f.tokens.IssueSessionToken(accountID, "session", claims, now)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (f *fixture) sendAs(t *testing.T, session uint64, msg protocol.ClientMessage, at uint64) *protocol.WirePacket {
	t.Helper()
	f.seq++
	packet := protocol.NewClientPacket(session, protocol.Lobby, f.seq, nil, at, msg)
	reply, err := f.o.HandleClientPacket(context.Background(), packet, at)
	if err != nil {
		t.Fatalf("handle %T failed: %v", msg, err)
	}
	return reply
}

func (f *fixture) send(t *testing.T, msg protocol.ClientMessage) *protocol.WirePacket {
	t.Helper()
	return f.sendAs(t, sessionID, msg, now)
}

func (f *fixture) hello(t *testing.T, characters ...uint64) {
	t.Helper()
	reply := f.send(t, protocol.Hello{AccountID: accountID, AuthToken: f.token(t, characters...)})
	if _, ok := reply.Payload.(protocol.HelloAck); !ok {
		t.Fatalf("expected HelloAck, got %#v", reply.Payload)
	}
}

func (f *fixture) selectCharacter(t *testing.T, id uint64) protocol.MapTransfer {
	t.Helper()
	reply := f.send(t, protocol.SelectCharacter{CharacterID: id})
	mt, ok := reply.Payload.(protocol.MapTransfer)
	if !ok {
		t.Fatalf("expected MapTransfer, got %#v", reply.Payload)
	}
	return mt
}

func (f *fixture) enter(t *testing.T, id uint64) protocol.MapTransfer {
	t.Helper()
	mt := f.selectCharacter(t, id)
	reply := f.send(t, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken})
	if _, ok := reply.Payload.(protocol.EnterMap); !ok {
		t.Fatalf("expected EnterMap, got %#v", reply.Payload)
	}
	return mt
}

func errorKind(t *testing.T, reply *protocol.WirePacket) protocol.ServerErrorKind {
	t.Helper()
	if reply == nil {
		t.Fatal("expected an error reply, got none")
	}
	e, ok := reply.Payload.(protocol.ServerError)
	if !ok {
		t.Fatalf("expected ServerError, got %#v", reply.Payload)
	}
	return e.Kind
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	f := defaultFixture(t)

	reply := f.send(t, protocol.Hello{AccountID: accountID, AuthToken: f.token(t, 42)})
	ack, ok := reply.Payload.(protocol.HelloAck)
	if !ok {
		t.Fatalf("expected HelloAck, got %#v", reply.Payload)
	}
	if ack.SessionID != sessionID || ack.Motd != "welcome" || len(ack.Characters) != 1 || ack.Characters[0].CharacterID != 42 {
		t.Errorf("unexpected hello ack %+v", ack)
	}

	mt := f.selectCharacter(t, 42)
	wantRoute := protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 1}
	if mt.Route != wantRoute || mt.Host != "127.0.0.1" || mt.Port != 55901 {
		t.Errorf("unexpected transfer %+v", mt)
	}
	if mt.ExpiresAtMs != now+30_000 || mt.RouteToken == "" {
		t.Errorf("unexpected expiry or token in %+v", mt)
	}
	if f.o.Stats().ActiveTransfers != 1 {
		t.Errorf("expected 1 pending transfer, got %+v", f.o.Stats())
	}

	reply = f.send(t, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken})
	enter, ok := reply.Payload.(protocol.EnterMap)
	if !ok {
		t.Fatalf("expected EnterMap, got %#v", reply.Payload)
	}
	if enter.EntityID != 42 || enter.X != SpawnX || enter.Y != SpawnY || reply.Route != wantRoute {
		t.Errorf("unexpected enter map %+v on %s", enter, reply.Route)
	}
	if route, ok := f.o.SessionRoute(sessionID); !ok || route != wantRoute {
		t.Errorf("session route = %v %v", route, ok)
	}

	// a replayed ack is rejected
	reply = f.send(t, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken})
	if k := errorKind(t, reply); k != protocol.ErrKindInvalidAction {
		t.Errorf("second ack: got %s, want InvalidAction", k)
	}

	st := f.o.Stats()
	if st.ActiveTransfers != 0 || st.ActiveSessionsInMaps != 1 || st.OnlineMaps != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	eventually(t, func() bool {
		n, _ := f.dir.CurrentPlayersForRoute(wantRoute)
		return n == 1
	}, "occupancy after join")
}

func TestAuthentication(t *testing.T) {
	f := defaultFixture(t)

	t.Run("keepalive needs no session", func(t *testing.T) {
		reply := f.send(t, protocol.KeepAlive{ClientTimeMs: 5})
		if pong, ok := reply.Payload.(protocol.Pong); !ok || pong.ServerTimeMs != now {
			t.Errorf("expected Pong, got %#v", reply.Payload)
		}
	})

	t.Run("select before hello", func(t *testing.T) {
		if k := errorKind(t, f.send(t, protocol.SelectCharacter{CharacterID: 1})); k != protocol.ErrKindInvalidSession {
			t.Errorf("got %s", k)
		}
	})

	tests := []struct {
		name  string
		hello protocol.Hello
	}{
		{"garbage token", protocol.Hello{AccountID: accountID, AuthToken: "garbage"}},
		{"account mismatch", protocol.Hello{AccountID: accountID + 1, AuthToken: f.token(t, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if k := errorKind(t, f.send(t, tt.hello)); k != protocol.ErrKindInvalidSession {
				t.Errorf("got %s", k)
			}
		})
	}

	t.Run("expired session", func(t *testing.T) {
		f.hello(t, 1)
		later := now + uint64(time.Hour.Milliseconds())
		if k := errorKind(t, f.sendAs(t, sessionID, protocol.SelectCharacter{CharacterID: 1}, later)); k != protocol.ErrKindInvalidSession {
			t.Errorf("got %s", k)
		}
	})

	t.Run("unknown character", func(t *testing.T) {
		f.hello(t, 1)
		if k := errorKind(t, f.send(t, protocol.SelectCharacter{CharacterID: 2})); k != protocol.ErrKindCharacterNotFound {
			t.Errorf("got %s", k)
		}
	})

	t.Run("server packet", func(t *testing.T) {
		packet := protocol.NewServerPacket(sessionID, protocol.Lobby, 1, nil, now, protocol.Pong{})
		if _, err := f.o.HandleClientPacket(context.Background(), packet, now); err != protocol.ErrUnexpectedPacketDirection {
			t.Errorf("expected ErrUnexpectedPacketDirection, got %v", err)
		}
	})
}

func TestTransferAckValidation(t *testing.T) {
	f := defaultFixture(t)
	f.hello(t, 42)
	mt := f.selectCharacter(t, 42)

	// a token of a different transfer is rejected and the transfer survives
	forged, _ := f.tokens.IssueTransferToken(&auth.TransferClaims{
		SessionID: sessionID, TransferID: mt.TransferID + 100, Route: mt.Route, ExpiresAtMs: now + 1000,
	})
	if k := errorKind(t, f.send(t, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: forged})); k != protocol.ErrKindInvalidSession {
		t.Errorf("forged token: got %s", k)
	}
	if k := errorKind(t, f.send(t, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: "nope"})); k != protocol.ErrKindInvalidSession {
		t.Errorf("garbage token: got %s", k)
	}

	// another session cannot consume the transfer
	other := f.sendAs(t, sessionID+1, protocol.Hello{AccountID: accountID, AuthToken: f.token(t, 42)}, now)
	if _, ok := other.Payload.(protocol.HelloAck); !ok {
		t.Fatalf("expected HelloAck, got %#v", other.Payload)
	}
	reply := f.sendAs(t, sessionID+1, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken}, now)
	if k := errorKind(t, reply); k != protocol.ErrKindInvalidSession {
		t.Errorf("foreign session: got %s", k)
	}

	reply = f.send(t, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken})
	if _, ok := reply.Payload.(protocol.EnterMap); !ok {
		t.Fatalf("expected EnterMap, got %#v", reply.Payload)
	}

	// unknown transfer
	if k := errorKind(t, f.send(t, protocol.MapTransferAck{TransferID: 999_999})); k != protocol.ErrKindInvalidAction {
		t.Errorf("unknown transfer: got %s", k)
	}
}

func TestTransferExpiry(t *testing.T) {
	f := defaultFixture(t)
	f.hello(t, 42)

	t.Run("expired ack", func(t *testing.T) {
		mt := f.selectCharacter(t, 42)
		reply := f.sendAs(t, sessionID, protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken}, mt.ExpiresAtMs)
		if k := errorKind(t, reply); k != protocol.ErrKindInvalidAction {
			t.Errorf("got %s", k)
		}
		if f.o.Stats().ActiveTransfers != 0 {
			t.Error("expired transfer must be removed")
		}
	})

	t.Run("sweep", func(t *testing.T) {
		mt := f.selectCharacter(t, 42)
		if n := f.o.SweepExpiredTransfers(mt.ExpiresAtMs - 1); n != 0 {
			t.Errorf("swept %d live transfers", n)
		}
		if n := f.o.SweepExpiredTransfers(mt.ExpiresAtMs); n != 1 {
			t.Errorf("swept %d transfers, want 1", n)
		}
		if f.o.Stats().ActiveTransfers != 0 {
			t.Error("sweep left a transfer behind")
		}
	})

	t.Run("reselect replaces the pending transfer", func(t *testing.T) {
		first := f.selectCharacter(t, 42)
		second := f.selectCharacter(t, 42)
		if first.TransferID == second.TransferID {
			t.Fatal("transfer ids must be unique")
		}
		if f.o.Stats().ActiveTransfers != 1 {
			t.Errorf("active transfers = %d, want 1", f.o.Stats().ActiveTransfers)
		}
		reply := f.send(t, protocol.MapTransferAck{TransferID: first.TransferID, RouteToken: first.RouteToken})
		if k := errorKind(t, reply); k != protocol.ErrKindInvalidAction {
			t.Errorf("replaced transfer: got %s", k)
		}
	})
}

// --------------------------------------------------------------------------
// Gameplay
// --------------------------------------------------------------------------

func TestSessionShardInvariants(t *testing.T) {
	f := defaultFixture(t)
	f.hello(t, 42)

	if k := errorKind(t, f.send(t, protocol.Move{X: 1, Y: 1})); k != protocol.ErrKindInvalidAction {
		t.Errorf("move in lobby: got %s", k)
	}
	if k := errorKind(t, f.send(t, protocol.ClientChat{ChatPayload: protocol.ChatPayload{Text: "x"}})); k != protocol.ErrKindInvalidAction {
		t.Errorf("chat in lobby: got %s", k)
	}

	mt := f.enter(t, 42)
	if k := errorKind(t, f.send(t, protocol.SelectCharacter{CharacterID: 42})); k != protocol.ErrKindInvalidAction {
		t.Errorf("select in shard: got %s", k)
	}

	// the reply uses the recorded route, not the one in the packet
	f.seq++
	packet := protocol.NewClientPacket(sessionID, protocol.RouteKey{WorldID: 9, EntryID: 9, MapID: 9, InstanceID: 9}, f.seq, nil, now,
		protocol.Move{ClientTick: 7, X: 130, Y: 140})
	reply, err := f.o.HandleClientPacket(context.Background(), packet, now)
	if err != nil {
		t.Fatal(err)
	}
	delta, ok := reply.Payload.(protocol.StateDelta)
	if !ok {
		t.Fatalf("expected StateDelta, got %#v", reply.Payload)
	}
	if reply.Route != mt.Route || delta.ServerTick != 7 || len(delta.Entities) != 1 {
		t.Fatalf("unexpected delta %+v on %s", delta, reply.Route)
	}
	if e := delta.Entities[0]; e.EntityID != 42 || e.X != 130 || e.Y != 140 || e.HP != 100 {
		t.Errorf("unexpected entity %+v", e)
	}

	reply = f.send(t, protocol.ClientChat{ChatPayload: protocol.ChatPayload{Channel: protocol.ChatLocal, Text: "hello"}})
	if chat, ok := reply.Payload.(protocol.ServerChat); !ok || chat.Text != "hello" {
		t.Errorf("expected chat echo, got %#v", reply.Payload)
	}
}

func TestLogoutFlushesOnce(t *testing.T) {
	f := defaultFixture(t)
	f.hello(t, 42)
	mt := f.enter(t, 42)

	eventually(t, func() bool {
		n, _ := f.dir.CurrentPlayersForRoute(mt.Route)
		return n == 1
	}, "joined")

	if reply := f.send(t, protocol.Logout{}); reply != nil {
		t.Errorf("logout must not be answered, got %#v", reply.Payload)
	}
	eventually(t, func() bool {
		n, _ := f.dir.CurrentPlayersForRoute(mt.Route)
		return n == 0
	}, "occupancy restored")
	eventually(t, func() bool { return f.sink.StateCount() == 1 }, "final state written")

	// let a few more ticks pass, nothing else may be written for the character
	time.Sleep(50 * time.Millisecond)
	if n := f.sink.UpsertCount(); n != 1 {
		t.Errorf("upserts = %d, want exactly 1", n)
	}
	state, _ := f.sink.GetState(42)
	if state.X != SpawnX || state.Route != mt.Route {
		t.Errorf("unexpected final state %+v", state)
	}

	if k := errorKind(t, f.send(t, protocol.SelectCharacter{CharacterID: 42})); k != protocol.ErrKindInvalidSession {
		t.Errorf("after logout: got %s", k)
	}
	if f.o.Stats().ActiveSessionsInMaps != 0 {
		t.Errorf("unexpected stats %+v", f.o.Stats())
	}
}

func TestExpiredSessionLeavesMap(t *testing.T) {
	later := now + uint64(2*time.Hour.Milliseconds())

	leftMap := func(t *testing.T, f *fixture, route protocol.RouteKey) {
		t.Helper()
		if _, ok := f.o.SessionRoute(sessionID); ok {
			t.Error("session is still routed")
		}
		eventually(t, func() bool {
			n, _ := f.dir.CurrentPlayersForRoute(route)
			return n == 0
		}, "occupancy restored")
		eventually(t, func() bool { return f.sink.UpsertCount() == 1 }, "final state written")
		time.Sleep(50 * time.Millisecond)
		if n := f.sink.UpsertCount(); n != 1 {
			t.Errorf("upserts = %d, want exactly 1", n)
		}
	}

	t.Run("logout", func(t *testing.T) {
		f := defaultFixture(t)
		f.hello(t, 42)
		mt := f.enter(t, 42)
		eventually(t, func() bool {
			n, _ := f.dir.CurrentPlayersForRoute(mt.Route)
			return n == 1
		}, "joined")

		if reply := f.sendAs(t, sessionID, protocol.Logout{}, later); reply != nil {
			t.Errorf("logout must not be answered, got %#v", reply.Payload)
		}
		leftMap(t, f, mt.Route)
	})

	t.Run("any other message", func(t *testing.T) {
		f := newFixture(t, Config{RateLimit: 100, RateBurst: 100}, directory.DefaultTopology())
		f.hello(t, 42)
		mt := f.enter(t, 42)
		if _, ok := f.send(t, protocol.Move{X: 130, Y: 125}).Payload.(protocol.StateDelta); !ok {
			t.Fatal("move should pass")
		}

		// a second session waits for its transfer
		reply := f.sendAs(t, sessionID+1, protocol.Hello{AccountID: accountID, AuthToken: f.token(t, 43)}, now)
		if _, ok := reply.Payload.(protocol.HelloAck); !ok {
			t.Fatalf("expected HelloAck, got %#v", reply.Payload)
		}
		reply = f.sendAs(t, sessionID+1, protocol.SelectCharacter{CharacterID: 43}, now)
		if _, ok := reply.Payload.(protocol.MapTransfer); !ok {
			t.Fatalf("expected MapTransfer, got %#v", reply.Payload)
		}

		for _, id := range []uint64{sessionID, sessionID + 1} {
			if k := errorKind(t, f.sendAs(t, id, protocol.Move{X: 1}, later)); k != protocol.ErrKindInvalidSession {
				t.Errorf("session %d: got %s, want InvalidSession", id, k)
			}
		}
		leftMap(t, f, mt.Route)

		if n := f.o.sessions.Size(); n != 0 {
			t.Errorf("%d sessions left", n)
		}
		if n := f.o.limiters.Size(); n != 0 {
			t.Errorf("%d rate limiters left", n)
		}
		if n := f.o.sessionTransfers.Size(); n != 0 || f.o.Stats().ActiveTransfers != 0 {
			t.Errorf("transfers left: %d session pointers, %+v", n, f.o.Stats())
		}
		state, _ := f.sink.GetState(42)
		if state.X != 130 {
			t.Errorf("final state %+v does not carry the last move", state)
		}
	})
}

func TestCriticalSkill(t *testing.T) {
	f := defaultFixture(t)
	f.hello(t, 42)
	f.enter(t, 42)

	if reply := f.send(t, protocol.UseSkill{SkillID: 10}); reply != nil {
		t.Errorf("regular skill must not be answered, got %#v", reply.Payload)
	}
	if f.sink.CriticalCount() != 0 {
		t.Fatal("regular skill recorded a critical event")
	}

	if reply := f.send(t, protocol.UseSkill{SkillID: CriticalSkillThreshold + 1}); reply != nil {
		t.Errorf("critical skill must not be answered, got %#v", reply.Payload)
	}
	events := f.sink.CriticalEvents()
	if len(events) != 1 {
		t.Fatalf("critical events = %d, want 1", len(events))
	}
	if e := events[0]; e.Kind != persistence.EconomyMutation || e.CharacterID != 42 || e.Payload != "skill:201" || e.EventID != persistence.NewEventID(sessionID, f.seq) {
		t.Errorf("unexpected event %+v", e)
	}

	f.sink.FailCritical(true)
	if k := errorKind(t, f.send(t, protocol.UseSkill{SkillID: CriticalSkillThreshold})); k != protocol.ErrKindInternal {
		t.Errorf("failed critical write: got %s", k)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, RateBurst: 2}, directory.DefaultTopology())
	f.hello(t, 42)
	f.enter(t, 42)

	for i := 0; i < 2; i++ {
		if _, ok := f.send(t, protocol.Move{X: 1}).Payload.(protocol.StateDelta); !ok {
			t.Fatalf("move %d should pass", i)
		}
	}
	if k := errorKind(t, f.send(t, protocol.Move{X: 1})); k != protocol.ErrKindRateLimited {
		t.Errorf("got %s, want RateLimited", k)
	}
}

// --------------------------------------------------------------------------
// Scale-out
// --------------------------------------------------------------------------

func TestScaleOutRace(t *testing.T) {
	topo := directory.DefaultTopology()
	topo.Worlds[0].EntryPoints[0].Maps[0].SoftPlayerCap = 1
	f := newFixture(t, Config{}, topo)

	full := protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 1}
	f.dir.IncrementRoutePlayers(full)
	mapsBefore := f.o.Stats().OnlineMaps
	routesBefore := f.dir.RouteCount()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]directory.MapRoute, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.o.resolveOrScale(1, 1, 0)
		}(i)
	}
	wg.Wait()

	if got := f.o.Stats().OnlineMaps - mapsBefore; got != 1 {
		t.Errorf("spawned %d map servers, want exactly 1", got)
	}
	if got := f.dir.RouteCount() - routesBefore; got != 1 {
		t.Errorf("registered %d routes, want exactly 1", got)
	}
	for i, r := range results {
		if r.Route.InstanceID != 2 {
			t.Errorf("caller %d got %s, want instance 2", i, r.Route)
		}
	}
}

func TestSelectScalesOut(t *testing.T) {
	topo := directory.DefaultTopology()
	topo.Worlds[0].EntryPoints[0].Maps[0].SoftPlayerCap = 1
	f := newFixture(t, Config{}, topo)

	f.dir.IncrementRoutePlayers(protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: 0, InstanceID: 1})
	f.hello(t, 42)
	mt := f.selectCharacter(t, 42)
	if mt.Route.InstanceID != 2 {
		t.Errorf("expected the new instance, got %s", mt.Route)
	}
}

func TestNoRouteAvailable(t *testing.T) {
	topo := directory.DefaultTopology()
	topo.Worlds[0].EntryPoints[0].MaxPlayers = 1
	f := newFixture(t, Config{}, topo)

	f.dir.IncrementRoutePlayers(protocol.RouteKey{WorldID: 1, EntryID: 1, MapID: 1, InstanceID: 1})
	f.hello(t, 42)
	if k := errorKind(t, f.send(t, protocol.SelectCharacter{CharacterID: 42})); k != protocol.ErrKindRouteUnavailable {
		t.Errorf("got %s, want RouteUnavailable", k)
	}
	if f.o.Stats().ActiveTransfers != 0 {
		t.Error("failed selection must not leave a transfer")
	}
}

// --------------------------------------------------------------------------
// Frames
// --------------------------------------------------------------------------

func TestStreamAndDatagramFrames(t *testing.T) {
	f := defaultFixture(t)
	codec := f.o.Protocol().Codec()

	hello, err := codec.EncodeStreamFrame(protocol.ChannelControl,
		protocol.NewClientPacket(sessionID, protocol.Lobby, 1, nil, now, protocol.Hello{AccountID: accountID, AuthToken: f.token(t, 42)}))
	if err != nil {
		t.Fatal(err)
	}
	keepAlive, err := codec.EncodeStreamFrame(protocol.ChannelControl,
		protocol.NewClientPacket(sessionID, protocol.Lobby, 2, nil, now, protocol.KeepAlive{}))
	if err != nil {
		t.Fatal(err)
	}

	buf := append(append([]byte{}, hello...), keepAlive...)
	buf = append(buf, keepAlive[:5]...)

	replies, consumed, err := f.o.HandleStreamBytes(context.Background(), buf, now)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != len(hello)+len(keepAlive) {
		t.Errorf("consumed %d bytes, want %d", consumed, len(hello)+len(keepAlive))
	}
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if _, ok := replies[0].Payload.(protocol.HelloAck); !ok {
		t.Errorf("first reply %#v", replies[0].Payload)
	}
	if _, ok := replies[1].Payload.(protocol.Pong); !ok {
		t.Errorf("second reply %#v", replies[1].Payload)
	}

	// in the lobby a datagram move is rejected with a typed error
	move, err := codec.EncodeDatagramFrame(protocol.ChannelGameplayInput,
		protocol.NewClientPacket(sessionID, protocol.Lobby, 3, nil, now, protocol.Move{X: 1}))
	if err != nil {
		t.Fatal(err)
	}
	reply, err := f.o.HandleDatagram(context.Background(), move, now)
	if err != nil {
		t.Fatal(err)
	}
	if k := errorKind(t, reply); k != protocol.ErrKindInvalidAction {
		t.Errorf("got %s", k)
	}

	if _, err := f.o.HandleDatagram(context.Background(), nil, now); err == nil {
		t.Error("empty datagram must fail")
	}
}
