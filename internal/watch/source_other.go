//go:build !linux

package watch

import "github.com/pkg/errors"

// newSource reports an error on platforms other than Linux. The event
// contract here is inotify-shaped (create/close-write/delete/moved-from/
// moved-to plus a rename cookie); porting it to kqueue or
// ReadDirectoryChangesW is future work, not attempted here.
func newSource() (source, error) {
	return nil, errors.New("watch: no filesystem-event source for this platform")
}
