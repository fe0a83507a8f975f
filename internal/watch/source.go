// Package watch implements the watched directory tree: per-directory OS
// watches layered over internal/tree, the handle-to-node map, the
// cross-rename pairing state machine (PendingMoveFrom), the close-write
// settling window, and the filtered-paths set that suppresses feedback
// loops when the engine applies a change of its own.
//
// Events are read directly from inotify rather than through a portable
// watcher package. Pairing a MOVED_FROM with its MOVED_TO needs the
// rename cookie, and the settling window needs IN_CLOSE_WRITE told apart
// from every other write-adjacent event; a portable Op enum collapses
// both away.
package watch

import "time"

// rawMask is a subset of the inotify event mask this package cares
// about, named the way inotify(7) names them rather than reusing
// fsnotify's portable Op enum, since the cookie and the raw CLOSE_WRITE
// distinction this package needs are exactly what that enum discards.
type rawMask uint32

const (
	maskCreate     rawMask = 1 << iota // IN_CREATE
	maskCloseWrite                     // IN_CLOSE_WRITE
	maskDelete                         // IN_DELETE
	maskDeleteSelf                     // IN_DELETE_SELF
	maskMovedFrom                      // IN_MOVED_FROM
	maskMovedTo                        // IN_MOVED_TO
	maskMoveSelf                       // IN_MOVE_SELF
	maskIsDir                          // IN_ISDIR
	maskIgnored                        // IN_IGNORED, watch removed by the kernel
	maskOverflow                       // IN_Q_OVERFLOW
)

// rawEvent is one translated inotify event: the watch it arrived on, the
// child name it pertains to (empty for self-events), the decoded mask,
// and the rename cookie pairing a MOVED_FROM with its MOVED_TO.
type rawEvent struct {
	Wd     int32
	Name   string
	Mask   rawMask
	Cookie uint32
}

// source abstracts the OS filesystem-event collaborator so tests can
// inject a fake one. The real implementation, inotifySource, calls
// InotifyInit1/InotifyAddWatch/InotifyRmWatch directly and keeps the
// rename cookie and the IN_CLOSE_WRITE bit intact.
type source interface {
	AddWatch(path string) (int32, error)
	RemoveWatch(wd int32) error
	Close() error
	Events() <-chan rawEvent
	Errors() <-chan error
}

// sweepInterval is how often the pending-move and close-write-settling
// sweeper wakes up to check for expirations, well under the 5 s TTLs it
// enforces.
const sweepInterval = time.Second
