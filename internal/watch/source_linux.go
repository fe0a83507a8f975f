//go:build linux

package watch

import (
	"io"
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// inotifySource is the Linux rendering of source, talking to inotify
// directly via golang.org/x/sys/unix so it can hand callers the rename
// cookie and the CLOSE_WRITE/OPEN distinction intact; watchedtree.go's
// PendingMoveFrom does the cookie pairing.
type inotifySource struct {
	fd   int
	file *os.File

	mu   sync.Mutex
	byWd map[int32]string

	events chan rawEvent
	errors chan error
	done   chan struct{}
}

func newSource() (source, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "watch: inotify_init1")
	}
	s := &inotifySource{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), "inotify"),
		byWd:   make(map[int32]string),
		events: make(chan rawEvent),
		errors: make(chan error),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

const watchFlags = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_DELETE |
	unix.IN_DELETE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MOVE_SELF

func (s *inotifySource) AddWatch(path string) (int32, error) {
	wd, err := unix.InotifyAddWatch(s.fd, path, watchFlags)
	if err != nil {
		return 0, errors.Wrapf(err, "watch: inotify_add_watch %q", path)
	}
	s.mu.Lock()
	s.byWd[int32(wd)] = path
	s.mu.Unlock()
	return int32(wd), nil
}

func (s *inotifySource) RemoveWatch(wd int32) error {
	s.mu.Lock()
	delete(s.byWd, wd)
	s.mu.Unlock()
	_, err := unix.InotifyRmWatch(s.fd, uint32(wd))
	// EINVAL means the kernel already dropped the watch (e.g. the
	// directory was removed); nothing left for us to do.
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return errors.Wrapf(err, "watch: inotify_rm_watch %d", wd)
	}
	return nil
}

func (s *inotifySource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.file.Close()
}

func (s *inotifySource) Events() <-chan rawEvent { return s.events }
func (s *inotifySource) Errors() <-chan error    { return s.errors }

func (s *inotifySource) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *inotifySource) sendEvent(e rawEvent) bool {
	select {
	case <-s.done:
		return false
	case s.events <- e:
		return true
	}
}

func (s *inotifySource) sendError(err error) bool {
	select {
	case <-s.done:
		return false
	case s.errors <- err:
		return true
	}
}

// readLoop parses raw inotify_event structs out of the kernel's ring
// buffer: a fixed-size struct header (unix.InotifyEvent) immediately
// followed by Len bytes of NUL-padded name.
func (s *inotifySource) readLoop() {
	defer close(s.events)
	defer close(s.errors)

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		if s.isClosed() {
			return
		}
		n, err := s.file.Read(buf[:])
		if err != nil {
			if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			if !s.sendError(errors.Wrap(err, "watch: reading inotify fd")) {
				return
			}
			continue
		}
		var offset uint32
		for offset <= uint32(n)-unix.SizeofInotifyEvent {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			nameLen := raw.Len
			var name string
			if nameLen > 0 {
				nameBytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
				name = strings.TrimRight(string(nameBytes), "\x00")
			}
			mask := decodeMask(uint32(raw.Mask))
			if mask != 0 {
				if !s.sendEvent(rawEvent{Wd: raw.Wd, Name: name, Mask: mask, Cookie: raw.Cookie}) {
					return
				}
			}
			offset += unix.SizeofInotifyEvent + nameLen
		}
	}
}

func decodeMask(m uint32) rawMask {
	var out rawMask
	switch {
	case m&unix.IN_CREATE != 0:
		out |= maskCreate
	case m&unix.IN_CLOSE_WRITE != 0:
		out |= maskCloseWrite
	case m&unix.IN_DELETE != 0:
		out |= maskDelete
	case m&unix.IN_DELETE_SELF != 0:
		out |= maskDeleteSelf
	case m&unix.IN_MOVED_FROM != 0:
		out |= maskMovedFrom
	case m&unix.IN_MOVED_TO != 0:
		out |= maskMovedTo
	case m&unix.IN_MOVE_SELF != 0:
		out |= maskMoveSelf
	}
	if m&unix.IN_ISDIR != 0 {
		out |= maskIsDir
	}
	if m&unix.IN_IGNORED != 0 {
		out |= maskIgnored
	}
	if m&unix.IN_Q_OVERFLOW != 0 {
		out |= maskOverflow
	}
	return out
}
