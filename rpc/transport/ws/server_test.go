package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/core"
	"github.com/ValentinKolb/mucore/lib/directory"
	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/persistence"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/gorilla/websocket"
)

var secret = []byte("01234567890123456789012345678901")

const (
	accountID uint64 = 5
	sessionID uint64 = 6006
)

type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec *protocol.WireCodec
	seq   uint32
}

func setup(t *testing.T) (*wsClient, *auth.Service, *Gateway) {
	t.Helper()
	tokens, err := auth.NewService(secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	pipeline := persistence.NewPipeline(persistence.Config{FlushTick: time.Hour, MaxFlushLag: time.Hour}, persistence.NewMemorySink())
	o := core.New(core.Config{PlayerTick: 10 * time.Millisecond, MonsterTick: 20 * time.Millisecond},
		directory.NewDirectory(directory.DefaultTopology()), hub.New(0), pipeline,
		protocol.NewRuntime(protocol.DefaultWireCodec(), "welcome", 0), tokens)

	g := NewGateway()
	g.RegisterHandler(o)
	srv := httptest.NewServer(g)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	resp.Body.Close()

	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return &wsClient{t: t, conn: conn, codec: protocol.DefaultWireCodec()}, tokens, g
}

func (c *wsClient) send(msg protocol.ClientMessage) {
	c.t.Helper()
	c.seq++
	frame, _, err := c.codec.EncodeFrame(protocol.NewClientPacket(sessionID, protocol.Lobby, c.seq, nil, auth.NowMs(), msg))
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.t.Fatal(err)
	}
}

// receive reads one message and reports which frame shape it carried
func (c *wsClient) receive() (protocol.WirePacket, protocol.TransportKind) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		c.t.Fatalf("got message type %d", messageType)
	}
	if strings.HasPrefix(string(data), "MU") {
		frame, n, err := c.codec.TryDecodeStreamFrame(data)
		if err != nil || frame == nil || n != len(data) {
			c.t.Fatalf("bad stream frame: %v", err)
		}
		return frame.Packet, protocol.TransportStream
	}
	frame, err := c.codec.DecodeDatagramFrame(data)
	if err != nil {
		c.t.Fatalf("bad datagram frame: %v", err)
	}
	return frame.Packet, protocol.TransportDatagram
}

func TestWebSocketSessionFlow(t *testing.T) {
	c, tokens, g := setup(t)

	token, err := tokens.IssueSessionToken(accountID, "s", []auth.CharacterClaim{{CharacterID: 3, Name: "Elf"}}, auth.NowMs())
	if err != nil {
		t.Fatal(err)
	}

	c.send(protocol.Hello{AccountID: accountID, AuthToken: token})
	p, kind := c.receive()
	if _, ok := p.Payload.(protocol.HelloAck); !ok || kind != protocol.TransportStream {
		t.Fatalf("expected HelloAck as stream frame, got %#v (%s)", p.Payload, kind)
	}
	if _, ok := g.Sessions().Lookup(sessionID); !ok {
		t.Error("session is not bound")
	}

	// a datagram whose reply is a control message comes back as a stream frame
	c.send(protocol.Move{X: 1, Y: 1})
	p, kind = c.receive()
	if se, ok := p.Payload.(protocol.ServerError); !ok || se.Kind != protocol.ErrKindInvalidAction || kind != protocol.TransportStream {
		t.Fatalf("expected InvalidAction stream frame, got %#v (%s)", p.Payload, kind)
	}

	c.send(protocol.SelectCharacter{CharacterID: 3})
	p, _ = c.receive()
	mt, ok := p.Payload.(protocol.MapTransfer)
	if !ok {
		t.Fatalf("expected MapTransfer, got %#v", p.Payload)
	}
	c.send(protocol.MapTransferAck{TransferID: mt.TransferID, RouteToken: mt.RouteToken})
	p, _ = c.receive()
	if _, ok := p.Payload.(protocol.EnterMap); !ok {
		t.Fatalf("expected EnterMap, got %#v", p.Payload)
	}

	c.send(protocol.Move{ClientTick: 1, X: 140, Y: 141})
	p, kind = c.receive()
	if _, ok := p.Payload.(protocol.StateDelta); !ok || kind != protocol.TransportDatagram {
		t.Fatalf("expected StateDelta datagram frame, got %#v (%s)", p.Payload, kind)
	}
}

func TestWebSocketIgnoresGarbage(t *testing.T) {
	c, _, _ := setup(t)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("hello?")); err != nil {
		t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x01}); err != nil {
		t.Fatal(err)
	}

	c.send(protocol.KeepAlive{ClientTimeMs: 9})
	p, _ := c.receive()
	if _, ok := p.Payload.(protocol.Pong); !ok {
		t.Fatalf("expected Pong, got %#v", p.Payload)
	}
}
