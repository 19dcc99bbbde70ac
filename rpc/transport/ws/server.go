package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport"
	"github.com/ValentinKolb/mucore/rpc/transport/base"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("transport/gateway")

const (
	// Path is where the gateway accepts WebSocket upgrades
	Path = "/ws"

	shutdownTimeout = 5 * time.Second
)

// wsConn is the FrameWriter of one WebSocket connection. Both frame shapes
// travel as binary messages.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex // gorilla allows one concurrent writer
}

func (c *wsConn) WriteFrame(_ protocol.TransportKind, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Gateway accepts WebSocket clients. A binary message that starts with the
// stream magic is fed to the connection's stream buffer, any other binary
// message is handled as one datagram frame.
type Gateway struct {
	handler      transport.PacketHandler
	sessions     *base.Sessions
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	ctx          context.Context
}

// NewGateway creates a WebSocket gateway
func NewGateway() *Gateway {
	return &Gateway{
		sessions: base.NewSessions(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx: context.Background(),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IGatewayTransport)
// --------------------------------------------------------------------------

func (g *Gateway) RegisterHandler(handler transport.PacketHandler) {
	g.handler = handler
}

func (g *Gateway) Listen(ctx context.Context, config common.ServerConfig) error {
	if g.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	g.writeTimeout = time.Duration(config.TimeoutSecond) * time.Second
	g.ctx = ctx

	mux := http.NewServeMux()
	mux.Handle("GET "+Path, g)
	srv := &http.Server{
		Addr:    config.WebSocketEndpoint,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	log.Infof("Starting WebSocket gateway on %s%s", config.WebSocketEndpoint, Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Sessions returns the registry of sessions bound to WebSocket connections
func (g *Gateway) Sessions() *base.Sessions {
	return g.sessions
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	// hijacked connections are not closed by http.Server.Shutdown
	ctx := g.ctx
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	limits := g.handler.Protocol().Codec().Limits()
	conn.SetReadLimit(int64(max(protocol.StreamHeaderSize+limits.MaxStreamPayloadSize, limits.MaxDatagramSize)))

	peer := base.NewPeer(g.handler, g.sessions, &wsConn{conn: conn, timeout: g.writeTimeout})
	defer peer.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infof("connection %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			log.Debugf("discarding non binary message from %s", conn.RemoteAddr())
			continue
		}

		if base.IsStreamFrame(data) {
			peer.HandleStream(ctx, data)
		} else {
			peer.HandleDatagram(ctx, data)
		}
	}
}
