package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize is the inbound frame ceiling NewConn applies to
// every Conn: the 64 KiB plaintext block size, base64's 4/3
// expansion, and JSON envelope overhead top out well under this, leaving
// headroom for long paths without letting one malformed length prefix
// request an unbounded allocation.
const DefaultMaxFrameSize = 1 << 20

// ErrOversizedFrame is returned when a frame's declared length exceeds
// the configured ceiling: a framing violation the caller must close the
// connection over, not try to recover the stream from.
var ErrOversizedFrame = errors.New("wire: oversized frame")

// readFrame reads one length-prefixed frame: a 32-bit big-endian length
// followed by that many bytes of payload.
func readFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, errors.Wrapf(ErrOversizedFrame, "%d bytes (max %d)", n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame writes payload as one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > DefaultMaxFrameSize*8 {
		// Not a protocol limit, just a sanity check against accidental
		// multi-gigabyte writes; callers should never hit this since
		// block size bounds data frames and envelopes bound command
		// frames.
		return errors.Errorf("wire: refusing to write absurdly large frame (%d bytes)", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
