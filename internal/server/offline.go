package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/nicolagi/syncd/internal/store"
)

// opKind distinguishes the three operations queued per disconnected
// device.
type opKind int

const (
	opUpdate opKind = iota
	opDelete
	opMove
)

// opLogEntry is one persisted offline-operation-log entry. Seq is a
// monotonic per-device sequence number, so a crash mid-replay can be
// resumed without re-delivering or skipping entries.
type opLogEntry struct {
	Kind   opKind `json:"kind"`
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	IsDir  bool   `json:"isDir,omitempty"`
	Seq    uint64 `json:"seq"`
}

// offlineLog is the server's per-device-id FIFO of operations queued
// while a device is registered but not connected, persisted via
// internal/store so a server restart does not silently drop them.
type offlineLog struct {
	s store.Store

	mu   sync.Mutex
	next map[int]uint64 // device id -> next seq; present only while offline
}

func newOfflineLog(s store.Store) *offlineLog {
	return &offlineLog{s: s, next: make(map[int]uint64)}
}

// begin starts (or resumes, after a restart) accumulating deviceID's
// offline log. The log exists only while the device is registered but
// not connected, so this is called exactly once per disconnect.
func (l *offlineLog) begin(deviceID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.next[deviceID]; ok {
		return
	}
	seq := uint64(0)
	prefix := fmt.Sprintf("%d/", deviceID)
	_ = l.s.ForEach(func(k store.Key) error {
		if strings.HasPrefix(string(k), prefix) {
			seq++
		}
		return nil
	})
	l.next[deviceID] = seq
}

// append queues entry for deviceID if it is currently offline; it is a
// no-op for a device that is connected (or was never registered), which
// lets callers append unconditionally for every registered device id
// without checking connection state themselves.
func (l *offlineLog) append(deviceID int, entry opLogEntry) error {
	l.mu.Lock()
	seq, ok := l.next[deviceID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	l.next[deviceID] = seq + 1
	l.mu.Unlock()

	entry.Seq = seq
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "server: encoding offline log entry")
	}
	return l.s.Put(store.Key(fmt.Sprintf("%d/%020d", deviceID, seq)), b)
}

// drain returns deviceID's queued entries in sequence order, removes
// them from the store, and marks the device connected again (a
// subsequent append is a no-op until the next begin).
func (l *offlineLog) drain(deviceID int) ([]opLogEntry, error) {
	prefix := fmt.Sprintf("%d/", deviceID)
	var keys []store.Key
	var entries []opLogEntry
	err := l.s.ForEach(func(k store.Key) error {
		if !strings.HasPrefix(string(k), prefix) {
			return nil
		}
		v, err := l.s.Get(k)
		if err != nil {
			return err
		}
		var e opLogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		keys = append(keys, k)
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "server: draining offline log for device %d", deviceID)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, k := range keys {
		if err := l.s.Delete(k); err != nil {
			return nil, errors.Wrapf(err, "server: clearing offline log entry %q", k)
		}
	}
	l.mu.Lock()
	delete(l.next, deviceID)
	l.mu.Unlock()
	return entries, nil
}
