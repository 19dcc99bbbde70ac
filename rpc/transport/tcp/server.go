package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport"
	"github.com/ValentinKolb/mucore/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("transport/gateway")

const (
	// keepAlivePeriod is the TCP keep-alive period of accepted connections
	keepAlivePeriod = 30 * time.Second
	// idleHeartbeats is how many heartbeat intervals a silent connection is kept
	idleHeartbeats = 6
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(endpoint string) (net.Listener, error) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	return listener, nil
}

// UpgradeConnection disables Nagle's algorithm and enables keep-alive
func (c *serverConnector) UpgradeConnection(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}

// --------------------------------------------------------------------------
// Gateway
// --------------------------------------------------------------------------

// Gateway serves stream frames over TCP and datagram frames over UDP on the
// same host and port. Replies to datagrams go back by UDP when their channel
// allows it, otherwise they are delivered on the TCP connection the session
// said Hello on.
type Gateway struct {
	handler      transport.PacketHandler
	sessions     *base.Sessions
	stream       *base.StreamServer
	writeTimeout time.Duration
}

// NewGateway creates a TCP/UDP gateway
func NewGateway() *Gateway {
	return &Gateway{sessions: base.NewSessions()}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IGatewayTransport)
// --------------------------------------------------------------------------

func (g *Gateway) RegisterHandler(handler transport.PacketHandler) {
	g.handler = handler
}

func (g *Gateway) Listen(ctx context.Context, config common.ServerConfig) error {
	g.writeTimeout = time.Duration(config.TimeoutSecond) * time.Second

	listener, err := (&serverConnector{}).Listen(config.GatewayEndpoint)
	if err != nil {
		return err
	}
	// bind UDP on the port the TCP listener actually got
	packetConn, err := net.ListenPacket("udp", listener.Addr().String())
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to create UDP socket: %v", err)
	}

	log.Infof("Starting TCP/UDP gateway on %s", listener.Addr())
	return g.Serve(ctx, listener, packetConn)
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Sessions returns the registry of sessions bound to TCP connections
func (g *Gateway) Sessions() *base.Sessions {
	return g.sessions
}

// Serve runs the gateway on already opened sockets until ctx is cancelled
func (g *Gateway) Serve(ctx context.Context, listener net.Listener, packetConn net.PacketConn) error {
	if g.handler == nil {
		listener.Close()
		packetConn.Close()
		return fmt.Errorf("no handler registered")
	}

	idle := time.Duration(g.handler.Protocol().HeartbeatIntervalMs()) * time.Millisecond * idleHeartbeats
	g.stream = base.NewStreamServer(&serverConnector{}, g.sessions, g.writeTimeout, idle)
	g.stream.RegisterHandler(g.handler)

	var (
		wg     sync.WaitGroup
		udpErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		udpErr = g.serveDatagrams(ctx, packetConn)
	}()

	tcpErr := g.stream.Serve(ctx, listener)
	if tcpErr != nil {
		// make sure the datagram loop stops as well
		packetConn.Close()
	}
	wg.Wait()
	return errors.Join(tcpErr, udpErr)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// serveDatagrams handles one UDP packet after the other until the socket closes
func (g *Gateway) serveDatagrams(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// one extra byte so oversized datagrams are detected instead of truncated
	buf := make([]byte, g.handler.Protocol().Codec().Limits().MaxDatagramSize+1)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("UDP read error: %v", err)
			continue
		}
		g.handleDatagram(ctx, conn, addr, buf[:n])
	}
}

func (g *Gateway) handleDatagram(ctx context.Context, conn net.PacketConn, addr net.Addr, data []byte) {
	reply, err := g.handler.HandleDatagram(ctx, data, auth.NowMs())
	if err != nil {
		log.Debugf("dropping datagram from %s: %v", addr, err)
		return
	}
	if reply == nil {
		return
	}

	frame, kind, err := g.handler.Protocol().Codec().EncodeFrame(*reply)
	if err != nil {
		log.Errorf("failed to encode %T for %s: %v", reply.Payload, addr, err)
		return
	}
	if kind == protocol.TransportDatagram {
		if g.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
		}
		if _, err := conn.WriteTo(frame, addr); err != nil {
			log.Debugf("failed to write datagram to %s: %v", addr, err)
		}
		return
	}

	peer, ok := g.sessions.Lookup(reply.SessionID)
	if !ok {
		log.Debugf("no stream connection for session %d, dropping %T", reply.SessionID, reply.Payload)
		return
	}
	peer.Deliver(*reply)
}
