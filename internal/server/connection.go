package server

import (
	"context"
	"net"
	"time"

	"github.com/nicolagi/syncd/internal/transfer"
	"github.com/nicolagi/syncd/internal/wire"
)

// Connection is one accepted socket, pairing a transfer.ConnectionContext
// with the bookkeeping needed to route broadcasts onto its own
// goroutine. deviceID is 0 until REQUESTINIT is processed.
type Connection struct {
	engine *Engine
	nc     net.Conn
	wireC  *wire.Conn
	ctx    *transfer.ConnectionContext

	deviceID    int
	connectedAt time.Time

	outbound *opQueue
}

func (e *Engine) newConnection(nc net.Conn) *Connection {
	return &Connection{
		engine:      e,
		nc:          nc,
		wireC:       wire.NewConn(nc),
		ctx:         transfer.NewConnectionContext(0),
		connectedAt: time.Now(),
		outbound:    newOpQueue(),
	}
}

// run drives one connection until its socket errors or ctx is canceled:
// one goroutine pumping outbound file data (transfer.Pump), one running
// jobs queued by other connections' broadcasts (jobLoop), and this one
// reading and dispatching inbound messages.
func (c *Connection) run(ctx context.Context) {
	defer c.close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go transfer.Pump(sessionCtx, c.wireC, c.ctx)
	go c.jobLoop(sessionCtx)
	go func() {
		<-sessionCtx.Done()
		_ = c.wireC.Close()
	}()

	for {
		msg, err := c.wireC.ReadMessage()
		if err != nil {
			return
		}
		if msg.IsData {
			c.engine.handleData(c, msg)
			continue
		}
		if !msg.Command.Known() {
			continue
		}
		switch msg.Command {
		case wire.RequestInit:
			c.engine.handleRequestInit(c, msg)
		case wire.RequestSyn:
			c.engine.handleRequestSyn(c, msg)
		case wire.Post:
			c.engine.handlePost(c, msg)
		case wire.Delete:
			c.engine.handleDelete(c, msg)
		case wire.Move:
			c.engine.handleMove(c, msg)
		case wire.Get:
			c.engine.handleGet(c, msg)
		case wire.Heartbeat:
			c.ctx.Touch(time.Now())
		}
	}
}

func (c *Connection) jobLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.outbound.wake:
		}
		for {
			j, ok := c.outbound.pop()
			if !ok {
				break
			}
			j(c)
		}
	}
}

func (c *Connection) close() {
	_ = c.wireC.Close()
	c.ctx.Abort()
	c.engine.unregisterConnection(c)
}
