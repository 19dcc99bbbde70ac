package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/core"
	"github.com/ValentinKolb/mucore/lib/directory"
	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport"
)

var secret = []byte("01234567890123456789012345678901")

const accountID uint64 = 42

type env struct {
	gateway *Gateway
	o       *core.Orchestrator
	tokens  *auth.Service
	addr    string
}

func startGateway(t *testing.T) *env {
	t.Helper()
	tokens, err := auth.NewService(secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	pipeline := persistence.NewPipeline(persistence.Config{FlushTick: time.Hour, MaxFlushLag: time.Hour}, persistence.NewMemorySink())
	o := core.New(core.Config{PlayerTick: 10 * time.Millisecond, MonsterTick: 20 * time.Millisecond},
		directory.NewDirectory(directory.DefaultTopology()), hub.New(0), pipeline,
		protocol.NewRuntime(protocol.DefaultWireCodec(), "welcome", 0), tokens)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	packetConn, err := net.ListenPacket("udp", listener.Addr().String())
	if err != nil {
		listener.Close()
		t.Fatal(err)
	}

	g := NewGateway()
	g.RegisterHandler(o)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, listener, packetConn) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("gateway stopped with error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("gateway did not stop")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		if err := o.Shutdown(sctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return &env{gateway: g, o: o, tokens: tokens, addr: listener.Addr().String()}
}

// --------------------------------------------------------------------------
// Test client
// --------------------------------------------------------------------------

type testClient struct {
	t       *testing.T
	c       transport.IGatewayClientTransport
	session uint64
	seq     uint32
}

func (e *env) connect(t *testing.T, session uint64) *testClient {
	t.Helper()
	c := NewGatewayClientTransport(protocol.DefaultWireCodec())
	if err := c.Connect(common.ClientConfig{Endpoint: e.addr, TimeoutSecond: 2, RetryCount: 3}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &testClient{t: t, c: c, session: session}
}

func (c *testClient) send(msg protocol.ClientMessage) {
	c.t.Helper()
	c.seq++
	packet := protocol.NewClientPacket(c.session, protocol.Lobby, c.seq, nil, auth.NowMs(), msg)
	if err := c.c.Send(packet); err != nil {
		c.t.Fatalf("send %T failed: %v", msg, err)
	}
}

func (c *testClient) receive() protocol.WirePacket {
	c.t.Helper()
	p, err := c.c.Receive(2 * time.Second)
	if err != nil {
		c.t.Fatalf("receive failed: %v", err)
	}
	return p
}

func (e *env) login(t *testing.T, c *testClient, characterID uint64) {
	t.Helper()
	token, err := e.tokens.IssueSessionToken(accountID, "s", []auth.CharacterClaim{{CharacterID: characterID, Name: "Hero"}}, auth.NowMs())
	if err != nil {
		t.Fatal(err)
	}
	c.send(protocol.Hello{AccountID: accountID, AuthToken: token})
	if _, ok := c.receive().Payload.(protocol.HelloAck); !ok {
		t.Fatal("expected HelloAck")
	}
}

func (e *env) enter(t *testing.T, c *testClient, characterID uint64) protocol.RouteKey {
	t.Helper()
	e.login(t, c, characterID)
	c.send(protocol.SelectCharacter{CharacterID: characterID})
	mt, ok := c.receive().Payload.(protocol.MapTransfer)
	if !ok {
		t.Fatal("expected MapTransfer")
	}
	c.send(protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken})
	reply := c.receive()
	if _, ok := reply.Payload.(protocol.EnterMap); !ok {
		t.Fatalf("expected EnterMap, got %#v", reply.Payload)
	}
	return reply.Route
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSessionFlow(t *testing.T) {
	e := startGateway(t)
	c := e.connect(t, 1001)

	c.send(protocol.KeepAlive{ClientTimeMs: 1})
	if _, ok := c.receive().Payload.(protocol.Pong); !ok {
		t.Fatal("expected Pong")
	}

	route := e.enter(t, c, 7)
	if _, ok := e.gateway.Sessions().Lookup(1001); !ok {
		t.Error("session is not bound to its connection")
	}
	if got, ok := e.o.SessionRoute(1001); !ok || got != route {
		t.Errorf("session route = %v, %v; want %v", got, ok, route)
	}

	// Move travels by UDP and so does its StateDelta
	c.send(protocol.Move{ClientTick: 3, X: 130, Y: 131})
	reply := c.receive()
	delta, ok := reply.Payload.(protocol.StateDelta)
	if !ok {
		t.Fatalf("expected StateDelta, got %#v", reply.Payload)
	}
	if len(delta.Entities) != 1 || delta.Entities[0].X != 130 || delta.Entities[0].Y != 131 {
		t.Errorf("unexpected delta %#v", delta)
	}

	c.send(protocol.Logout{})
	waitFor(t, "logout", func() bool {
		_, ok := e.o.SessionRoute(1001)
		return !ok
	})
}

func TestDatagramErrorUsesStream(t *testing.T) {
	e := startGateway(t)
	c := e.connect(t, 2002)
	e.login(t, c, 1)

	// not in a map yet: the error is a control message and comes back over TCP
	c.send(protocol.Move{X: 1, Y: 1})
	reply := c.receive()
	se, ok := reply.Payload.(protocol.ServerError)
	if !ok || se.Kind != protocol.ErrKindInvalidAction {
		t.Fatalf("expected InvalidAction, got %#v", reply.Payload)
	}
}

func TestLocalChatForwarding(t *testing.T) {
	e := startGateway(t)
	alice := e.connect(t, 3001)
	bob := e.connect(t, 3002)

	routeA := e.enter(t, alice, 11)
	routeB := e.enter(t, bob, 12)
	if routeA != routeB {
		t.Fatalf("players landed on different maps: %v %v", routeA, routeB)
	}

	alice.send(protocol.ClientChat{ChatPayload: protocol.ChatPayload{Channel: protocol.ChatLocal, Text: "hi bob"}})

	// alice gets her own line echoed once
	echo, ok := alice.receive().Payload.(protocol.ServerChat)
	if !ok || echo.Text != "hi bob" {
		t.Fatalf("expected echo, got %#v", echo)
	}

	reply := bob.receive()
	chat, ok := reply.Payload.(protocol.ServerChat)
	if !ok || chat.Text != "hi bob" {
		t.Fatalf("expected forwarded chat, got %#v", reply.Payload)
	}
	if reply.SessionID != 3002 || reply.Route != routeB {
		t.Errorf("forwarded chat addressed to %d on %v", reply.SessionID, reply.Route)
	}

	if p, err := alice.c.Receive(100 * time.Millisecond); err == nil {
		t.Errorf("alice received her own line twice: %#v", p.Payload)
	}
}

func TestCorruptFrameKeepsConnection(t *testing.T) {
	e := startGateway(t)
	conn, err := net.Dial("tcp", e.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	codec := protocol.DefaultWireCodec()
	keepAlive, err := codec.EncodeStreamFrame(protocol.ChannelControl,
		protocol.NewClientPacket(1, protocol.Lobby, 1, nil, 0, protocol.KeepAlive{ClientTimeMs: 5}))
	if err != nil {
		t.Fatal(err)
	}

	// intact header, garbage payload, followed by a valid frame
	corrupt := []byte{'M', 'U', byte(protocol.ChannelControl), 3, 0, 0, 0, 0xff, 0xff, 0xff}
	if _, err := conn.Write(append(corrupt, keepAlive...)); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	var got []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("connection failed: %v", err)
		}
		got = append(got, buf[:n]...)
		frame, _, err := codec.TryDecodeStreamFrame(got)
		if err != nil {
			t.Fatal(err)
		}
		if frame != nil {
			if _, ok := frame.Packet.Payload.(protocol.Pong); !ok {
				t.Fatalf("expected Pong, got %#v", frame.Packet.Payload)
			}
			return
		}
	}
}

func TestDisconnectLogsOut(t *testing.T) {
	e := startGateway(t)
	c := e.connect(t, 4004)
	e.enter(t, c, 9)

	if err := c.c.Close(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session to leave its map", func() bool {
		_, ok := e.o.SessionRoute(4004)
		return !ok
	})
	waitFor(t, "session binding to be released", func() bool {
		_, ok := e.gateway.Sessions().Lookup(4004)
		return !ok
	})
}
