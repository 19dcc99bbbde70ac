package base

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("transport/gateway")

// ErrTransportUnsupported is returned by a FrameWriter that cannot carry the requested frame shape
var ErrTransportUnsupported = errors.New("transport kind not supported by connection")

// logoutTimeout bounds the logout issued for a session whose connection dropped
const logoutTimeout = 2 * time.Second

// FrameWriter carries encoded frames to one client
type FrameWriter interface {
	// WriteFrame writes a frame of the given shape
	WriteFrame(kind protocol.TransportKind, frame []byte) error
	// RemoteAddr identifies the client in log lines
	RemoteAddr() string
}

// -----------------------------------------------------------
// Session registry
// -----------------------------------------------------------

// Sessions maps authenticated session ids to the peer the session said Hello on
type Sessions struct {
	peers *xsync.MapOf[uint64, *Peer]
}

// NewSessions creates an empty registry
func NewSessions() *Sessions {
	return &Sessions{peers: xsync.NewMapOf[uint64, *Peer]()}
}

// Lookup returns the peer bound to a session
func (s *Sessions) Lookup(sessionID uint64) (*Peer, bool) {
	return s.peers.Load(sessionID)
}

// Size returns the number of bound sessions
func (s *Sessions) Size() int {
	return s.peers.Size()
}

func (s *Sessions) bind(sessionID uint64, p *Peer) {
	s.peers.Store(sessionID, p)
}

// unbind removes the binding only if it still points at p
func (s *Sessions) unbind(sessionID uint64, p *Peer) {
	s.peers.Compute(sessionID, func(cur *Peer, loaded bool) (*Peer, bool) {
		return cur, !loaded || cur == p
	})
}

// -----------------------------------------------------------
// Peer
// -----------------------------------------------------------

// Peer is the gateway side of one client connection. It buffers stream bytes
// until frames are complete, hands them to the runtime and writes the replies.
// A HelloAck binds the connection to its session, an EnterMap subscribes it to
// the local chat of the entered map.
type Peer struct {
	handler  transport.PacketHandler
	sessions *Sessions
	out      FrameWriter

	// stream receive state, owned by the reading goroutine
	buf     []byte
	discard int

	mu        sync.Mutex
	sessionID uint64
	chatRoute protocol.RouteKey
	stopChat  func()
	closed    bool
}

// NewPeer creates a peer writing its replies to out
func NewPeer(handler transport.PacketHandler, sessions *Sessions, out FrameWriter) *Peer {
	return &Peer{
		handler:  handler,
		sessions: sessions,
		out:      out,
	}
}

// SessionID returns the session bound to this peer, 0 before a HelloAck
func (p *Peer) SessionID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// HandleStream feeds bytes read from a stream connection. Incomplete frames
// stay buffered for the next call. A frame that fails to decode is dropped and
// the connection stays usable. Only one goroutine may call HandleStream.
func (p *Peer) HandleStream(ctx context.Context, data []byte) {
	if p.discard > 0 {
		n := min(p.discard, len(data))
		p.discard -= n
		data = data[n:]
	}
	buf := append(p.buf, data...)
	maxPayload := p.handler.Protocol().Codec().Limits().MaxStreamPayloadSize

	for len(buf) > 0 {
		replies, consumed, err := p.handler.HandleStreamBytes(ctx, buf, auth.NowMs())
		for _, reply := range replies {
			p.Deliver(reply)
		}
		buf = buf[consumed:]
		if err == nil {
			break
		}

		log.Warningf("dropping stream frame from %s: %v", p.out.RemoteAddr(), err)
		skip := corruptFrameLen(buf, maxPayload)
		if skip > len(buf) {
			p.discard = skip - len(buf)
			skip = len(buf)
		}
		buf = buf[skip:]
	}

	// move the trailing bytes to the front so the buffer is reused
	p.buf = append(p.buf[:0], buf...)
}

// HandleDatagram handles one datagram frame
func (p *Peer) HandleDatagram(ctx context.Context, data []byte) {
	reply, err := p.handler.HandleDatagram(ctx, data, auth.NowMs())
	if err != nil {
		log.Debugf("dropping datagram from %s: %v", p.out.RemoteAddr(), err)
		return
	}
	if reply != nil {
		p.Deliver(*reply)
	}
}

// Deliver encodes a server packet on its preferred channel and writes it
func (p *Peer) Deliver(packet protocol.WirePacket) {
	frame, kind, err := p.handler.Protocol().Codec().EncodeFrame(packet)
	if err != nil {
		log.Errorf("failed to encode %T for %s: %v", packet.Payload, p.out.RemoteAddr(), err)
		return
	}
	p.observe(packet)
	if err := p.out.WriteFrame(kind, frame); err != nil {
		log.Debugf("failed to write %s frame to %s: %v", kind, p.out.RemoteAddr(), err)
	}
}

// Close releases the session binding and the chat subscription. A session
// that is still inside a map and not bound to another connection is logged out.
func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	sessionID := p.sessionID
	if p.stopChat != nil {
		p.stopChat()
		p.stopChat = nil
	}
	p.mu.Unlock()

	if sessionID == 0 {
		return
	}
	p.sessions.unbind(sessionID, p)
	if _, rebound := p.sessions.Lookup(sessionID); rebound {
		return
	}
	if _, inMap := p.handler.SessionRoute(sessionID); !inMap {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	now := auth.NowMs()
	logout := protocol.NewClientPacket(sessionID, protocol.Lobby, 0, nil, now, protocol.Logout{})
	if _, err := p.handler.HandleClientPacket(ctx, logout, now); err != nil {
		log.Warningf("logout of session %d failed: %v", sessionID, err)
		return
	}
	log.Infof("connection %s closed, session %d logged out", p.out.RemoteAddr(), sessionID)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (p *Peer) observe(packet protocol.WirePacket) {
	switch m := packet.Payload.(type) {
	case protocol.HelloAck:
		p.bind(m.SessionID)
	case protocol.EnterMap:
		p.watchChat(packet.SessionID, packet.Route)
	}
}

func (p *Peer) bind(sessionID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.sessionID != 0 && p.sessionID != sessionID {
		p.sessions.unbind(p.sessionID, p)
		if p.stopChat != nil {
			p.stopChat()
			p.stopChat = nil
		}
	}
	p.sessionID = sessionID
	p.sessions.bind(sessionID, p)
	log.Debugf("session %d bound to %s", sessionID, p.out.RemoteAddr())
}

func (p *Peer) watchChat(sessionID uint64, route protocol.RouteKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.stopChat != nil {
		if p.chatRoute == route {
			return
		}
		p.stopChat()
	}
	ch, cancel := p.handler.Hub().Subscribe(hub.LocalMapTopic(route))
	p.chatRoute, p.stopChat = route, cancel
	go p.forwardChat(sessionID, route, ch, cancel)
}

// forwardChat relays local chat of other sessions until the subscription is
// cancelled or the session is no longer in the map
func (p *Peer) forwardChat(sessionID uint64, route protocol.RouteKey, ch <-chan hub.Message, cancel func()) {
	for msg := range ch {
		if msg.FromSessionID == sessionID {
			continue
		}
		if current, ok := p.handler.SessionRoute(sessionID); !ok || current != route {
			p.mu.Lock()
			if p.chatRoute == route {
				p.stopChat = nil
			}
			p.mu.Unlock()
			cancel()
			continue
		}
		chat := protocol.ServerChat{ChatPayload: msg.Payload}
		p.Deliver(protocol.NewServerPacket(sessionID, route, 0, nil, auth.NowMs(), chat))
	}
}
