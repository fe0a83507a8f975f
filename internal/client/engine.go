// Package client implements the client side of the synchronization
// protocol: a WatchedTree is translated into outbound commands, and
// inbound commands from the server are applied back to the local
// filesystem and mirrored into the tree.
package client

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/syncd/internal/config"
	"github.com/nicolagi/syncd/internal/netutil"
	"github.com/nicolagi/syncd/internal/transfer"
	"github.com/nicolagi/syncd/internal/watch"
	"github.com/nicolagi/syncd/internal/wire"
)

const (
	// heartbeatInterval is how often a HEARTBEAT is emitted while connected.
	heartbeatInterval = 10 * time.Second
	// dialRetryInterval paces netutil.DialWithRetry's reconnect attempts.
	dialRetryInterval = 2 * time.Second
	// filterDrainDelay is how long a just-applied remote change stays in
	// the filtered-paths set before being removed. WatchedTree.Run already
	// discards any event whose path is filtered as events stream in, so a
	// short fixed delay gives inotify time to deliver the event the write
	// produced before the filter is lifted.
	filterDrainDelay = 200 * time.Millisecond

	eventBacklog = 4096
)

// Engine is the client engine: one watched tree, one persisted device
// id, one outbound connection at a time, reconnecting with retry
// whenever the connection drops.
type Engine struct {
	dir string
	wt  *watch.WatchedTree

	events chan watch.Event

	mu       sync.Mutex
	conn     *wire.Conn
	connCtx  *transfer.ConnectionContext
	deviceID int
}

// New scans dir into a watched tree and loads any previously persisted
// device id from "<dir>/.syn_config.json".
func New(dir string) (*Engine, error) {
	wt, err := watch.NewWatchedTree(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "client: building watched tree for %q", dir)
	}
	cfg, err := config.LoadClientConfig(dir)
	if err != nil {
		_ = wt.Close()
		return nil, errors.Wrap(err, "client: loading config")
	}
	return &Engine{
		dir:      dir,
		wt:       wt,
		events:   make(chan watch.Event, eventBacklog),
		deviceID: cfg.DeviceID,
	}, nil
}

// Close releases the watched tree's OS event source.
func (e *Engine) Close() error {
	return e.wt.Close()
}

// Run drives the engine until ctx is canceled: it starts the watch loop
// (which also runs the pending-move and close-write settling sweeper),
// the local-event translator, and the heartbeat timer once, for the
// process lifetime, then repeatedly dials network/address,
// running one session at a time and reconnecting on loss.
func (e *Engine) Run(ctx context.Context, network, address string) error {
	go func() {
		if err := e.wt.Run(ctx, e.events); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("client: watch loop exited")
		}
	}()
	go e.pumpEvents(ctx)
	go e.heartbeatLoop(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		nc, err := netutil.DialWithRetry(ctx, network, address, dialRetryInterval)
		if err != nil {
			return err
		}
		log.WithField("address", address).Info("client: connected")
		if err := e.runSession(ctx, nc); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("client: connection lost, reconnecting")
		}
	}
}

func (e *Engine) runSession(ctx context.Context, nc net.Conn) error {
	defer func() { _ = nc.Close() }()

	conn := wire.NewConn(nc)
	cc := transfer.NewConnectionContext(e.deviceID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.setConn(conn, cc)
	defer e.clearConn()

	if err := conn.WriteCommand(wire.RequestInit, e.deviceID); err != nil {
		return errors.Wrap(err, "client: sending REQUESTINIT")
	}

	go transfer.Pump(sessionCtx, conn, cc)
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msg.IsData {
			e.handleData(cc, msg)
			continue
		}
		if !msg.Command.Known() {
			log.WithField("command", int(msg.Command)).Warn("client: unknown command, dropping")
			continue
		}
		switch msg.Command {
		case wire.InitEnd:
			e.handleInitEnd(conn, msg)
		case wire.Post:
			e.handlePost(cc, msg)
		case wire.Delete:
			e.handleDelete(msg)
		case wire.Move:
			e.handleMove(msg)
		case wire.Get:
			e.handleGet(conn, cc, msg)
		case wire.Heartbeat:
			cc.Touch(time.Now())
		default:
			log.WithField("command", msg.Command.String()).Debug("client: unexpected command from server, dropping")
		}
	}
}

func (e *Engine) setConn(conn *wire.Conn, cc *transfer.ConnectionContext) {
	e.mu.Lock()
	e.conn = conn
	e.connCtx = cc
	e.mu.Unlock()
}

// clearConn drops the active connection pointer and aborts any
// in-flight streams on it.
func (e *Engine) clearConn() {
	e.mu.Lock()
	cc := e.connCtx
	e.conn = nil
	e.connCtx = nil
	e.mu.Unlock()
	if cc != nil {
		cc.Abort()
	}
}

func (e *Engine) activeConn() (*wire.Conn, *transfer.ConnectionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn, e.connCtx
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, _ := e.activeConn()
			if conn == nil {
				continue
			}
			if err := conn.WriteCommand(wire.Heartbeat, wire.HeartbeatContent{SendTime: time.Now().Unix()}); err != nil {
				log.WithError(err).Debug("client: heartbeat send failed")
			}
		}
	}
}

// pumpEvents runs for the process lifetime, translating watch.Events
// into outbound commands. While disconnected (activeConn returns nil)
// events are simply dropped: there is no client-side offline queue, only
// the server keeps one, so a dropped local event is reconciled by the
// REQUESTSYN diff the next time this engine reconnects.
func (e *Engine) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			e.handleLocalEvent(ev)
		}
	}
}

func (e *Engine) handleLocalEvent(ev watch.Event) {
	conn, cc := e.activeConn()
	if conn == nil {
		return
	}
	switch ev.Kind {
	case watch.CreateDir:
		if err := conn.WriteCommand(wire.Post, wire.PostContent{Path: ev.Path, IsDir: true, MTime: ev.MTime}); err != nil {
			log.WithError(err).WithField("path", ev.Path).Warn("client: sending POST for created directory")
		}
	case watch.CreateFile:
		// A freshly created regular file is not transmitted yet: it may
		// still be open for writing. Nothing to do until its CLOSE_WRITE
		// settles.
	case watch.CloseWrite:
		e.sendFile(conn, cc, ev.Path)
	case watch.Delete:
		if err := conn.WriteCommand(wire.Delete, ev.Path); err != nil {
			log.WithError(err).WithField("path", ev.Path).Warn("client: sending DELETE")
		}
	case watch.Move:
		mc := wire.MoveContent{Source: ev.Source, Target: ev.Path}
		if err := conn.WriteCommand(wire.Move, mc); err != nil {
			log.WithError(err).WithFields(log.Fields{"source": ev.Source, "target": ev.Path}).Warn("client: sending MOVE")
		}
	}
}

func (e *Engine) sendFile(conn *wire.Conn, cc *transfer.ConnectionContext, path string) {
	s, err := transfer.EnqueueFile(cc, e.absPath(path), path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("client: queuing file for send")
		return
	}
	if err := conn.WriteCommand(wire.Post, wire.PostContent{Path: path, IsDir: false, MTime: s.MTime}); err != nil {
		log.WithError(err).WithField("path", path).Warn("client: sending POST for file")
	}
}

func (e *Engine) handleInitEnd(conn *wire.Conn, msg wire.Message) {
	var assigned int
	if err := wire.DecodeContent(msg.Content, &assigned); err != nil {
		log.WithError(err).Warn("client: decoding INITEND")
		return
	}
	if e.deviceID == 0 {
		e.deviceID = assigned
		if err := config.SaveClientConfig(e.dir, &config.ClientConfig{DeviceID: assigned}); err != nil {
			log.WithError(err).Warn("client: persisting assigned device id")
		}
	}
	snapshot, err := e.wt.Snapshot()
	if err != nil {
		log.WithError(err).Warn("client: serializing tree for REQUESTSYN")
		return
	}
	if err := conn.WriteCommand(wire.RequestSyn, json.RawMessage(snapshot)); err != nil {
		log.WithError(err).Warn("client: sending REQUESTSYN")
	}
}

func (e *Engine) handlePost(cc *transfer.ConnectionContext, msg wire.Message) {
	var pc wire.PostContent
	if err := wire.DecodeContent(msg.Content, &pc); err != nil {
		log.WithError(err).Warn("client: decoding POST")
		return
	}
	abs := e.absPath(pc.Path)
	e.wt.Filtered.Add(pc.Path)
	if pc.IsDir {
		if err := os.MkdirAll(abs, 0o755); err != nil && !os.IsExist(err) {
			log.WithError(err).WithField("path", pc.Path).Warn("client: creating directory from POST")
			e.unfilterLater(pc.Path)
			return
		}
		if err := e.wt.ApplyCreate(pc.Path, true, pc.MTime); err != nil {
			log.WithError(err).WithField("path", pc.Path).Warn("client: applying directory POST to tree")
		}
		e.unfilterLater(pc.Path)
		return
	}
	// A regular file's bytes arrive in the Data frames that follow;
	// handleData finishes applying the tree and clears the filter once the
	// RecvStream completes. A concurrent POST for a path already
	// mid-transfer is rejected rather than restarting the stream.
	if _, err := cc.BeginRecv(abs, 0); err != nil {
		log.WithError(err).WithField("path", pc.Path).Warn("client: rejecting concurrent POST")
		e.wt.Filtered.Remove(pc.Path)
	}
}

func (e *Engine) handleData(cc *transfer.ConnectionContext, msg wire.Message) {
	abs := e.absPath(msg.Path)
	rs, ok := cc.RecvFor(abs)
	if !ok {
		// Late arrival after an abort.
		log.WithField("path", msg.Path).Debug("client: data frame for unknown path, dropping")
		return
	}
	if rs.Size == 0 {
		rs.Size = msg.Size
	}
	if err := rs.Write(msg.Data); err != nil {
		log.WithError(err).WithField("path", msg.Path).Warn("client: write failed, aborting receive")
		_ = rs.Abort()
		cc.EndRecv(abs)
		e.wt.Filtered.Remove(msg.Path)
		return
	}
	if !rs.Done() {
		return
	}
	if err := rs.Complete(msg.MTime); err != nil {
		log.WithError(err).WithField("path", msg.Path).Warn("client: completing receive failed")
		cc.EndRecv(abs)
		e.wt.Filtered.Remove(msg.Path)
		return
	}
	cc.EndRecv(abs)
	if err := e.wt.ApplyCreate(msg.Path, false, msg.MTime); err != nil {
		log.WithError(err).WithField("path", msg.Path).Warn("client: applying received file to tree")
	}
	e.unfilterLater(msg.Path)
}

func (e *Engine) handleDelete(msg wire.Message) {
	var path string
	if err := wire.DecodeContent(msg.Content, &path); err != nil {
		log.WithError(err).Warn("client: decoding DELETE")
		return
	}
	abs := e.absPath(path)
	e.wt.Filtered.Add(path)
	if err := os.RemoveAll(abs); err != nil {
		log.WithError(err).WithField("path", path).Warn("client: removing path for DELETE")
	} else if err := e.wt.ApplyDelete(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("client: applying DELETE to tree")
	}
	e.unfilterLater(path)
}

func (e *Engine) handleMove(msg wire.Message) {
	var mc wire.MoveContent
	if err := wire.DecodeContent(msg.Content, &mc); err != nil {
		log.WithError(err).Warn("client: decoding MOVE")
		return
	}
	e.wt.Filtered.Add(mc.Source)
	e.wt.Filtered.Add(mc.Target)
	absSrc, absDst := e.absPath(mc.Source), e.absPath(mc.Target)
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		log.WithError(err).WithField("path", mc.Target).Warn("client: preparing destination directory for MOVE")
	} else if err := os.Rename(absSrc, absDst); err != nil {
		log.WithError(err).WithFields(log.Fields{"source": mc.Source, "target": mc.Target}).Warn("client: renaming for MOVE")
	} else if err := e.wt.ApplyMove(mc.Source, mc.Target); err != nil {
		log.WithError(err).WithFields(log.Fields{"source": mc.Source, "target": mc.Target}).Warn("client: applying MOVE to tree")
	}
	e.unfilterLater(mc.Source)
	e.unfilterLater(mc.Target)
}

func (e *Engine) handleGet(conn *wire.Conn, cc *transfer.ConnectionContext, msg wire.Message) {
	var gc wire.GetContent
	if err := wire.DecodeContent(msg.Content, &gc); err != nil {
		log.WithError(err).Warn("client: decoding GET")
		return
	}
	e.sendFile(conn, cc, gc.Path)
}

func (e *Engine) unfilterLater(path string) {
	time.AfterFunc(filterDrainDelay, func() {
		e.wt.Filtered.Remove(path)
	})
}

func (e *Engine) absPath(path string) string {
	if path == "" {
		return e.dir
	}
	return filepath.Join(e.dir, filepath.FromSlash(path))
}
