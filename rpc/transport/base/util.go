package base

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/mucore/lib/protocol"
)

// readChunkSize is how many bytes a stream connection reads per syscall
const readChunkSize = 16 * 1024

// writeFrame writes an already encoded frame to the connection
func writeFrame(conn net.Conn, frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	b := net.Buffers{frame}
	_, err := b.WriteTo(conn)
	return err
}

// readChunk reads whatever is available into buf. io.EOF is returned once the
// peer closed the connection and nothing was read.
func readChunk(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	n, err := conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// corruptFrameLen returns how many bytes to drop from the head of buf after
// the first stream frame in it failed to decode. If the header is intact only
// that frame is dropped (the result can exceed len(buf) when the frame is not
// fully received yet), otherwise there is no way to resync and the whole
// buffer is dropped.
func corruptFrameLen(buf []byte, maxPayload int) int {
	if len(buf) < protocol.StreamHeaderSize ||
		buf[0] != protocol.StreamMagic[0] || buf[1] != protocol.StreamMagic[1] {
		return len(buf)
	}
	payload := int(binary.LittleEndian.Uint32(buf[3:protocol.StreamHeaderSize]))
	if payload > maxPayload {
		return len(buf)
	}
	return protocol.StreamHeaderSize + payload
}

// IsStreamFrame reports whether data starts with the stream frame magic
func IsStreamFrame(data []byte) bool {
	return len(data) >= 2 && data[0] == protocol.StreamMagic[0] && data[1] == protocol.StreamMagic[1]
}
