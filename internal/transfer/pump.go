package transfer

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/syncd/internal/wire"
)

// EnqueueFile opens absPath for reading, stats it for size and mtime,
// and appends a SendStream for it to cc's outbound FIFO. The caller
// still owns announcing the transfer with a POST command before Pump
// starts emitting data frames for it.
func EnqueueFile(cc *ConnectionContext, absPath, path string) (*SendStream, error) {
	fi, err := os.Stat(absPath)
	if err != nil {
		return nil, errors.Wrapf(err, "transfer: stat %q", absPath)
	}
	if fi.IsDir() {
		return nil, errors.Errorf("transfer: %q is a directory, not a file", absPath)
	}
	s, err := NewSendStream(absPath, path, uint64(fi.Size()), fi.ModTime().Unix())
	if err != nil {
		return nil, err
	}
	cc.Enqueue(s)
	return s, nil
}

// Pump drains cc's outbound FIFO onto conn until ctx is canceled. At any
// time at most one SendStream drives the socket (Head), one block is
// read and written at a time, and a stream is advanced once every byte
// of its declared size has been sent. wire.Conn.WriteData blocks until
// the kernel accepts the bytes, so the next block is not read until the
// previous one has actually been written.
func Pump(ctx context.Context, conn *wire.Conn, cc *ConnectionContext) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.Notify():
		}
		for {
			s := cc.Head()
			if s == nil {
				break
			}
			block, err := s.NextBlock()
			if err != nil {
				log.WithError(err).WithField("path", s.Path).Warn("transfer: read failed, dropping stream")
				cc.DropHead()
				continue
			}
			if err := conn.WriteData(s.Path, s.Size, s.MTime, block); err != nil {
				log.WithError(err).WithField("path", s.Path).Warn("transfer: send failed, connection presumed dead")
				return
			}
			if s.Done() {
				cc.Advance()
			}
		}
	}
}
