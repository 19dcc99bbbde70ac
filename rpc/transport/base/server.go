package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener on the endpoint and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// streamConn is the FrameWriter of an accepted stream connection
type streamConn struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex // serializes replies and chat pushes
}

func (c *streamConn) WriteFrame(kind protocol.TransportKind, frame []byte) error {
	if kind != protocol.TransportStream {
		return ErrTransportUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, frame, c.timeout)
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// StreamServer accepts stream connections and runs a Peer for each of them
type StreamServer struct {
	connector    IServerConnector
	handler      transport.PacketHandler
	sessions     *Sessions
	writeTimeout time.Duration
	idleTimeout  time.Duration
	bufferPool   *sync.Pool

	conns  *xsync.MapOf[uint64, net.Conn]
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp)
// -----------------------------------------------------------

// NewStreamServer creates a stream server. Sessions of its peers are registered
// in sessions. An idleTimeout of 0 keeps silent connections open forever.
func NewStreamServer(connector IServerConnector, sessions *Sessions, writeTimeout, idleTimeout time.Duration) *StreamServer {
	return &StreamServer{
		connector:    connector,
		sessions:     sessions,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, readChunkSize)
			},
		},
		conns: xsync.NewMapOf[uint64, net.Conn](),
	}
}

// RegisterHandler sets the runtime behind the server
func (s *StreamServer) RegisterHandler(handler transport.PacketHandler) {
	s.handler = handler
}

// Listen creates a listener through the connector and serves it
func (s *StreamServer) Listen(ctx context.Context, endpoint string) error {
	listener, err := s.connector.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	log.Infof("Starting %s gateway on %s", s.connector.GetName(), listener.Addr())
	return s.Serve(ctx, listener)
}

// Serve accepts connections until ctx is cancelled. It closes the listener and
// every open connection before returning.
func (s *StreamServer) Serve(ctx context.Context, listener net.Listener) error {
	if s.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		s.conns.Range(func(_ uint64, c net.Conn) bool {
			c.Close()
			return true
		})
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Errorf("Accept error: %v", err)
			continue
		}

		id := s.nextID.Add(1)
		s.conns.Store(id, conn)
		s.wg.Add(1)

		// Handle the connection in a goroutine
		go s.handleConnection(ctx, id, conn)
	}
}

// Connections returns the number of open connections
func (s *StreamServer) Connections() int {
	return s.conns.Size()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection reads from one connection until it is closed
func (s *StreamServer) handleConnection(ctx context.Context, id uint64, conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.Delete(id)
	defer conn.Close()

	if err := s.connector.UpgradeConnection(conn); err != nil {
		log.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		return
	}

	peer := NewPeer(s.handler, s.sessions, &streamConn{conn: conn, timeout: s.writeTimeout})
	defer peer.Close()

	// Get a buffer from the pool
	buf := s.bufferPool.Get().([]byte)
	defer s.bufferPool.Put(buf)

	for {
		n, err := readChunk(conn, buf, s.idleTimeout)

		// Case EOF: Connection closed by client
		if err == io.EOF {
			log.Debugf("Connection closed by client %s", conn.RemoteAddr())
			return
		}

		// Case error: log and close connection
		if err != nil {
			if ctx.Err() == nil {
				log.Infof("Closing connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		peer.HandleStream(ctx, buf[:n])
	}
}
