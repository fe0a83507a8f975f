// Package server implements the server side of the synchronization
// protocol: one authoritative tree, a device-id registry persisted via
// internal/config, a per-offline-device operation log persisted via
// internal/store, and a broadcast fan-out to every other live
// connection.
package server

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/syncd/internal/config"
	"github.com/nicolagi/syncd/internal/store"
	"github.com/nicolagi/syncd/internal/transfer"
	"github.com/nicolagi/syncd/internal/tree"
	"github.com/nicolagi/syncd/internal/wire"
)

const (
	// heartbeatInterval mirrors the client's; the reaper's threshold is
	// 2x this.
	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 2 * heartbeatInterval

	trashDirName   = ".transh"
	offlineDirName = ".syn_offline"
)

// Engine is the server side of the synchronization protocol: one
// authoritative tree, live connections, a device-id registry, and the
// offline operation log.
type Engine struct {
	root string

	cfgMu sync.Mutex
	cfg   *config.ServerConfig

	treeMu sync.Mutex
	tree   *tree.Tree

	connMu   sync.Mutex
	conns    map[*Connection]struct{}
	byDevice map[int]*Connection

	offline *offlineLog

	audit *log.Logger

	reap bool
}

// Option customizes an Engine returned by New.
type Option func(*Engine)

// WithAuditLog turns on a line-per-applied-command audit trail, written
// as JSON via a dedicated logrus logger rather than hand-rolled line
// formatting. Off by default; gives an operator something to go on after
// a misbehaving peer corrupts history, since there is no rollback here.
func WithAuditLog(w io.Writer) Option {
	return func(e *Engine) {
		l := log.New()
		l.SetOutput(w)
		l.SetFormatter(&log.JSONFormatter{})
		e.audit = l
	}
}

// WithHeartbeatReaper enables the server-side reaper that force-closes a
// connection once its silence exceeds heartbeatTimeout.
func WithHeartbeatReaper() Option {
	return func(e *Engine) { e.reap = true }
}

// New loads (or initializes) root's device registry and scans its
// current contents into the authoritative tree.
func New(root string, opts ...Option) (*Engine, error) {
	cfg, err := config.LoadServerConfig(root)
	if err != nil {
		return nil, errors.Wrap(err, "server: loading config")
	}
	t, err := tree.Scan(root)
	if err != nil {
		return nil, errors.Wrapf(err, "server: scanning %q", root)
	}
	e := &Engine{
		root:     root,
		cfg:      cfg,
		tree:     t,
		conns:    make(map[*Connection]struct{}),
		byDevice: make(map[int]*Connection),
		offline:  newOfflineLog(store.NewDiskStore(filepath.Join(root, offlineDirName))),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	if e.reap {
		go e.reapLoop(ctx)
	}
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c := e.newConnection(nc)
		go c.run(ctx)
	}
}

func (e *Engine) absPath(path string) string {
	if path == "" {
		return e.root
	}
	return filepath.Join(e.root, filepath.FromSlash(path))
}

func (e *Engine) registerConnection(c *Connection) {
	e.connMu.Lock()
	e.conns[c] = struct{}{}
	e.byDevice[c.deviceID] = c
	e.connMu.Unlock()
}

func (e *Engine) unregisterConnection(c *Connection) {
	e.connMu.Lock()
	delete(e.conns, c)
	if e.byDevice[c.deviceID] == c {
		delete(e.byDevice, c.deviceID)
	}
	e.connMu.Unlock()
	if c.deviceID > 0 {
		e.offline.begin(c.deviceID)
	}
}

func (e *Engine) broadcast(except *Connection, j job) {
	e.connMu.Lock()
	targets := make([]*Connection, 0, len(e.conns))
	for conn := range e.conns {
		if conn != except {
			targets = append(targets, conn)
		}
	}
	e.connMu.Unlock()
	for _, t := range targets {
		t.outbound.push(j)
	}
}

func (e *Engine) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapStale()
		}
	}
}

func (e *Engine) reapStale() {
	now := time.Now()
	e.connMu.Lock()
	var stale []*Connection
	for conn := range e.conns {
		last := conn.ctx.LastHeartbeat()
		if last.IsZero() {
			last = conn.connectedAt
		}
		if now.Sub(last) > heartbeatTimeout {
			stale = append(stale, conn)
		}
	}
	e.connMu.Unlock()
	for _, conn := range stale {
		log.WithField("device", conn.deviceID).Warn("server: heartbeat reaper closing silent connection")
		_ = conn.wireC.Close()
	}
}

// handleRequestInit reclaims a known device id and replays its offline
// log, or allocates a fresh one.
func (e *Engine) handleRequestInit(c *Connection, msg wire.Message) {
	var requested int
	if err := wire.DecodeContent(msg.Content, &requested); err != nil {
		log.WithError(err).Warn("server: decoding REQUESTINIT")
		return
	}

	e.cfgMu.Lock()
	known := requested > 0 && e.cfg.Has(requested)
	assigned := requested
	if !known {
		assigned = e.cfg.Register()
		if err := config.SaveServerConfig(e.root, e.cfg); err != nil {
			log.WithError(err).Warn("server: persisting device registry")
		}
	}
	e.cfgMu.Unlock()

	c.deviceID = assigned
	c.ctx.DeviceID = assigned
	e.registerConnection(c)

	if known {
		e.replayOffline(c, assigned)
	}

	if err := c.wireC.WriteCommand(wire.InitEnd, assigned); err != nil {
		log.WithError(err).WithField("device", assigned).Warn("server: sending INITEND")
	}
}

func (e *Engine) replayOffline(c *Connection, deviceID int) {
	entries, err := e.offline.drain(deviceID)
	if err != nil {
		log.WithError(err).WithField("device", deviceID).Warn("server: draining offline log")
		return
	}
	for _, op := range entries {
		switch op.Kind {
		case opUpdate:
			e.sendUpdate(c, op.Path, op.IsDir)
		case opDelete:
			_ = c.wireC.WriteCommand(wire.Delete, op.Path)
		case opMove:
			_ = c.wireC.WriteCommand(wire.Move, wire.MoveContent{Source: op.Source, Target: op.Path})
		}
	}
}

// handleRequestSyn resolves a freshly connected (or reconnected)
// client's tree against the server's own, in four parts: remote-only
// adds, local-only adds, remote entries newer than the local copy, and
// local entries newer than the remote copy.
func (e *Engine) handleRequestSyn(c *Connection, msg wire.Message) {
	remote, err := tree.FromSnapshot(msg.Content)
	if err != nil {
		log.WithError(err).Warn("server: decoding REQUESTSYN tree")
		return
	}

	e.treeMu.Lock()
	diff := e.tree.Diff(remote)
	e.treeMu.Unlock()

	for _, ent := range diff.RemoteAdds {
		if ent.IsDir {
			node, err := remote.Walk(ent.Path)
			if err != nil {
				log.WithError(err).WithField("path", ent.Path).Warn("server: resolving remote-only directory mtime")
				continue
			}
			if err := e.applyCreate(ent.Path, true, node.MTime); err != nil {
				log.WithError(err).WithField("path", ent.Path).Warn("server: creating remote-only directory")
				continue
			}
			e.broadcast(c, func(tc *Connection) { e.sendUpdate(tc, ent.Path, true) })
			e.appendOfflineUpdate(ent.Path, true)
			continue
		}
		if err := c.wireC.WriteCommand(wire.Get, wire.GetContent{Path: ent.Path}); err != nil {
			log.WithError(err).WithField("path", ent.Path).Warn("server: requesting remote-only file")
		}
	}
	for _, ent := range diff.LocalAdds {
		e.sendUpdate(c, ent.Path, ent.IsDir)
	}
	for _, ent := range diff.NewerRemote {
		if err := c.wireC.WriteCommand(wire.Get, wire.GetContent{Path: ent.Path}); err != nil {
			log.WithError(err).WithField("path", ent.Path).Warn("server: requesting newer remote file")
		}
	}
	for _, ent := range diff.NewerLocal {
		e.sendUpdate(c, ent.Path, ent.IsDir)
	}
}

// sendUpdate announces and, for a regular file, streams path's current
// content to c. Shared by REQUESTSYN resolution, GET handling, and
// offline-log replay/broadcast.
func (e *Engine) sendUpdate(c *Connection, path string, isDir bool) {
	if isDir {
		e.treeMu.Lock()
		node, err := e.tree.Walk(path)
		e.treeMu.Unlock()
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("server: resolving directory mtime for POST")
			return
		}
		if err := c.wireC.WriteCommand(wire.Post, wire.PostContent{Path: path, IsDir: true, MTime: node.MTime}); err != nil {
			log.WithError(err).WithField("path", path).Warn("server: sending directory POST")
		}
		return
	}
	s, err := transfer.EnqueueFile(c.ctx, e.absPath(path), path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("server: queuing file for send")
		return
	}
	if err := c.wireC.WriteCommand(wire.Post, wire.PostContent{Path: path, IsDir: false, MTime: s.MTime}); err != nil {
		log.WithError(err).WithField("path", path).Warn("server: sending file POST")
	}
}

// applyCreate mirrors a POST (directory, or a completed file receive)
// into the real filesystem and the authoritative tree. The tree is
// mutated only here, after bytes are known good: directory creation has
// no bytes to wait for, and a file's caller is handleData, only once its
// RecvStream has completed. Mutating the tree before the bytes arrive
// would let it claim a file is current while a transfer is still
// in flight.
func (e *Engine) applyCreate(path string, isDir bool, mtime int64) error {
	if isDir {
		abs := e.absPath(path)
		if err := os.MkdirAll(abs, 0o755); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "server: mkdir %q", abs)
		}
	}
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	return e.tree.Add(path, isDir, mtime)
}

func (e *Engine) handlePost(c *Connection, msg wire.Message) {
	var pc wire.PostContent
	if err := wire.DecodeContent(msg.Content, &pc); err != nil {
		log.WithError(err).Warn("server: decoding POST")
		return
	}
	if pc.IsDir {
		if err := e.applyCreate(pc.Path, true, pc.MTime); err != nil {
			log.WithError(err).WithField("path", pc.Path).Warn("server: applying directory POST")
			return
		}
		e.broadcast(c, func(tc *Connection) { e.sendUpdate(tc, pc.Path, true) })
		e.appendOfflineUpdate(pc.Path, true)
		e.logAudit("POST", pc.Path, c.deviceID)
		return
	}
	if _, err := c.ctx.BeginRecv(e.absPath(pc.Path), 0); err != nil {
		log.WithError(err).WithField("path", pc.Path).Warn("server: rejecting concurrent POST")
	}
}

func (e *Engine) handleData(c *Connection, msg wire.Message) {
	abs := e.absPath(msg.Path)
	rs, ok := c.ctx.RecvFor(abs)
	if !ok {
		log.WithField("path", msg.Path).Debug("server: data frame for unknown path, dropping")
		return
	}
	if rs.Size == 0 {
		rs.Size = msg.Size
	}
	if err := rs.Write(msg.Data); err != nil {
		log.WithError(err).WithField("path", msg.Path).Warn("server: write failed, aborting receive")
		_ = rs.Abort()
		c.ctx.EndRecv(abs)
		return
	}
	if !rs.Done() {
		return
	}
	if err := rs.Complete(msg.MTime); err != nil {
		log.WithError(err).WithField("path", msg.Path).Warn("server: completing receive failed")
		c.ctx.EndRecv(abs)
		return
	}
	c.ctx.EndRecv(abs)
	if err := e.applyCreate(msg.Path, false, msg.MTime); err != nil {
		log.WithError(err).WithField("path", msg.Path).Warn("server: applying received file to tree")
		return
	}
	e.broadcast(c, func(tc *Connection) { e.sendUpdate(tc, msg.Path, false) })
	e.appendOfflineUpdate(msg.Path, false)
	e.logAudit("POST", msg.Path, c.deviceID)
}

func (e *Engine) handleDelete(c *Connection, msg wire.Message) {
	var path string
	if err := wire.DecodeContent(msg.Content, &path); err != nil {
		log.WithError(err).Warn("server: decoding DELETE")
		return
	}
	if err := e.trash(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("server: trashing deleted path")
		return
	}
	e.treeMu.Lock()
	_ = e.tree.Delete(path)
	e.treeMu.Unlock()

	e.broadcast(c, func(tc *Connection) { _ = tc.wireC.WriteCommand(wire.Delete, path) })
	e.appendOfflineDelete(path)
	e.logAudit("DELETE", path, c.deviceID)
}

// trash moves the deleted entry under "<root>/.transh/<original-path>"
// rather than unlinking it outright, creating intermediate directories
// and clearing any stale occupant first. If the move itself cannot be
// completed (e.g. a prior partial trash left something un-renameable in
// the way), fall back to a plain removal rather than leaving the
// original and the tree disagreeing.
func (e *Engine) trash(path string) error {
	abs := e.absPath(path)
	if _, err := os.Lstat(abs); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "server: stat %q", abs)
	}
	dest := filepath.Join(e.root, trashDirName, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "server: preparing trash directory for %q", path)
	}
	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrapf(err, "server: clearing existing trash occupant for %q", path)
	}
	if err := os.Rename(abs, dest); err != nil {
		log.WithError(err).WithField("path", path).Debug("server: trash rename failed, falling back to remove")
		return os.RemoveAll(abs)
	}
	return nil
}

func (e *Engine) handleMove(c *Connection, msg wire.Message) {
	var mc wire.MoveContent
	if err := wire.DecodeContent(msg.Content, &mc); err != nil {
		log.WithError(err).Warn("server: decoding MOVE")
		return
	}
	absSrc, absDst := e.absPath(mc.Source), e.absPath(mc.Target)
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		log.WithError(err).WithField("path", mc.Target).Warn("server: preparing destination directory for MOVE")
		return
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		log.WithError(err).WithFields(log.Fields{"source": mc.Source, "target": mc.Target}).Warn("server: renaming for MOVE")
		return
	}
	e.treeMu.Lock()
	err := e.tree.Move(mc.Source, mc.Target)
	e.treeMu.Unlock()
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"source": mc.Source, "target": mc.Target}).Warn("server: moving in tree after filesystem move succeeded")
	}

	e.broadcast(c, func(tc *Connection) { _ = tc.wireC.WriteCommand(wire.Move, mc) })
	e.appendOfflineMove(mc.Source, mc.Target)
	e.logAudit("MOVE", mc.Source+"->"+mc.Target, c.deviceID)
}

func (e *Engine) handleGet(c *Connection, msg wire.Message) {
	var gc wire.GetContent
	if err := wire.DecodeContent(msg.Content, &gc); err != nil {
		log.WithError(err).Warn("server: decoding GET")
		return
	}
	e.sendUpdate(c, gc.Path, false)
}

func (e *Engine) registeredDeviceIDs() []int {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return append([]int(nil), e.cfg.DeviceIDs...)
}

func (e *Engine) appendOfflineUpdate(path string, isDir bool) {
	for _, id := range e.registeredDeviceIDs() {
		if err := e.offline.append(id, opLogEntry{Kind: opUpdate, Path: path, IsDir: isDir}); err != nil {
			log.WithError(err).WithField("device", id).Warn("server: appending offline UPDATE")
		}
	}
}

func (e *Engine) appendOfflineDelete(path string) {
	for _, id := range e.registeredDeviceIDs() {
		if err := e.offline.append(id, opLogEntry{Kind: opDelete, Path: path}); err != nil {
			log.WithError(err).WithField("device", id).Warn("server: appending offline DELETE")
		}
	}
}

func (e *Engine) appendOfflineMove(source, target string) {
	for _, id := range e.registeredDeviceIDs() {
		if err := e.offline.append(id, opLogEntry{Kind: opMove, Source: source, Path: target}); err != nil {
			log.WithError(err).WithField("device", id).Warn("server: appending offline MOVE")
		}
	}
}

func (e *Engine) logAudit(command, path string, deviceID int) {
	if e.audit == nil {
		return
	}
	e.audit.WithFields(log.Fields{"command": command, "path": path, "device": deviceID}).Info("applied")
}
