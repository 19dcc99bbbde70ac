package base

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport"
)

var (
	// ErrClientClosed is returned by Send and Receive after Close
	ErrClientClosed = errors.New("client transport closed")
	// ErrReceiveTimeout is returned when no packet arrived in time
	ErrReceiveTimeout = errors.New("receive timed out")
)

// incomingBuffer is how many server packets are queued before the readers block
const incomingBuffer = 256

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes the stream connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// ConnectDatagram establishes the datagram connection to the endpoint
	ConnectDatagram(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established stream connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientTransport holds one stream and one datagram connection to a gateway
type clientTransport struct {
	connector IClientConnector
	codec     *protocol.WireCodec
	config    common.ClientConfig

	stream   net.Conn
	datagram net.Conn
	writeMu  sync.Mutex // Protects writes on the stream connection

	incoming chan protocol.WirePacket
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, codec *protocol.WireCodec) transport.IGatewayClientTransport {
	return &clientTransport{
		connector: connector,
		codec:     codec,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IGatewayClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if config.Endpoint == "" {
		return fmt.Errorf("no endpoint provided")
	}
	t.config = config

	stream, err := t.connectWithRetry(config)
	if err != nil {
		return err
	}
	datagram, err := t.connector.ConnectDatagram(config.Endpoint)
	if err != nil {
		stream.Close()
		return fmt.Errorf("failed to open datagram connection to %s: %v", config.Endpoint, err)
	}

	t.stream = stream
	t.datagram = datagram
	t.incoming = make(chan protocol.WirePacket, incomingBuffer)
	t.stopCh = make(chan struct{})
	t.stopOnce = sync.Once{}

	t.wg.Add(2)
	go t.readStream()
	go t.readDatagrams()

	log.Infof("Connected to %s using %s transport", config.Endpoint, t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(packet protocol.WirePacket) error {
	if t.stream == nil {
		return ErrClientClosed
	}
	frame, kind, err := t.codec.EncodeFrame(packet)
	if err != nil {
		return err
	}
	if kind == protocol.TransportDatagram {
		_, err = t.datagram.Write(frame)
		return err
	}

	// Lock the connection only for writing
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return writeFrame(t.stream, frame, t.timeout())
}

func (t *clientTransport) Receive(timeout time.Duration) (protocol.WirePacket, error) {
	if t.incoming == nil {
		return protocol.WirePacket{}, ErrClientClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-t.incoming:
		return p, nil
	case <-t.stopCh:
		return protocol.WirePacket{}, ErrClientClosed
	case <-timer.C:
		return protocol.WirePacket{}, ErrReceiveTimeout
	}
}

func (t *clientTransport) Close() error {
	if t.stopCh == nil {
		return nil
	}
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.stream.Close()
		t.datagram.Close()
	})
	t.wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) timeout() time.Duration {
	return time.Duration(t.config.TimeoutSecond) * time.Second
}

// connectWithRetry dials the stream connection with exponential backoff
func (t *clientTransport) connectWithRetry(config common.ClientConfig) (net.Conn, error) {
	// We always try at least once, and up to maxRetries times
	maxRetries := config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := t.connector.Connect(config.Endpoint)
		if err == nil {
			if err := t.connector.UpgradeConnection(conn, config); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to upgrade connection to %s: %v", config.Endpoint, err)
			}
			return conn, nil
		}

		lastErr = err
		log.Debugf("Connect attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %v", config.Endpoint, maxRetries, lastErr)
}

// push hands a packet to Receive, giving up when the transport is closed
func (t *clientTransport) push(p protocol.WirePacket) bool {
	select {
	case t.incoming <- p:
		return true
	case <-t.stopCh:
		return false
	}
}

// readStream decodes stream frames until the connection closes
func (t *clientTransport) readStream() {
	defer t.wg.Done()

	chunk := make([]byte, readChunkSize)
	var buf []byte
	maxPayload := t.codec.Limits().MaxStreamPayloadSize

	for {
		n, err := readChunk(t.stream, chunk, 0)
		if err != nil {
			if err != io.EOF {
				select {
				case <-t.stopCh:
				default:
					log.Warningf("stream connection to %s failed: %v", t.config.Endpoint, err)
				}
			}
			return
		}
		buf = append(buf, chunk[:n]...)

		for len(buf) > 0 {
			frame, used, err := t.codec.TryDecodeStreamFrame(buf)
			if err != nil {
				log.Warningf("dropping stream frame: %v", err)
				skip := min(corruptFrameLen(buf, maxPayload), len(buf))
				buf = buf[skip:]
				continue
			}
			if frame == nil {
				break
			}
			buf = buf[used:]
			if !t.push(frame.Packet) {
				return
			}
		}
		buf = append(buf[:0], buf...)
	}
}

// readDatagrams decodes datagram frames until the connection closes
func (t *clientTransport) readDatagrams() {
	defer t.wg.Done()

	buf := make([]byte, t.codec.Limits().MaxDatagramSize+1)
	for {
		n, err := t.datagram.Read(buf)
		if err != nil {
			select {
			case <-t.stopCh:
			default:
				log.Debugf("datagram connection to %s closed: %v", t.config.Endpoint, err)
			}
			return
		}
		frame, err := t.codec.DecodeDatagramFrame(buf[:n])
		if err != nil {
			log.Warningf("dropping datagram: %v", err)
			continue
		}
		if !t.push(frame.Packet) {
			return
		}
	}
}
