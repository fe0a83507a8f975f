package wire

import (
	"bufio"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Conn wraps a net.Conn with framed, JSON-enveloped reads and writes.
// Writes are serialized with a mutex because heartbeats and command
// replies can be written from a different goroutine than the one
// pumping a SendStream.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	maxSize uint32

	writeMu sync.Mutex
}

// NewConn wraps nc, applying DefaultMaxFrameSize as the inbound frame
// ceiling.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc), maxSize: DefaultMaxFrameSize}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// ReadMessage blocks until one well-formed frame arrives and returns its
// decoded form. Framing violations (oversized or truncated frames) are
// returned as-is so the caller can close the connection. A frame whose
// payload does not decode (malformed JSON, unknown envelope type) is
// logged and dropped, and reading continues with the next frame.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		payload, err := readFrame(c.r, c.maxSize)
		if err != nil {
			return Message{}, err
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			log.WithError(err).Warn("wire: dropping undecodable frame")
			continue
		}
		return msg, nil
	}
}

// WriteCommand sends a command envelope. content is marshaled to JSON;
// pass a string for DELETE (a bare path) and the matching *Content
// struct for every other command.
func (c *Conn) WriteCommand(cmd Command, content interface{}) error {
	payload, err := encodeCommand(cmd, content)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.nc, payload)
}

// WriteData sends one data frame for an in-progress file transfer.
func (c *Conn) WriteData(path string, size uint64, mtime int64, block []byte) error {
	payload, err := encodeData(path, size, mtime, block)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.nc, payload)
}
