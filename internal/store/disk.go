package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// DiskStore is a Store backed by one file per key under a root directory.
// Keys may contain "/" to namespace related entries (the offline operation
// log uses "<deviceId>/<seq>"); intermediate directories are created on
// demand and left behind, empty, when their keys are deleted.
type DiskStore struct {
	dir string
}

// NewDiskStore returns a DiskStore rooted at dir. The directory is created
// lazily, on the first Put.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

func (s *DiskStore) Get(k Key) (Value, error) {
	b, err := os.ReadFile(s.pathFor(k))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%q", k)
	}
	return b, err
}

// Put writes v atomically: the new content lands in a sibling temp file
// first, then is renamed over the destination.
func (s *DiskStore) Put(k Key, v Value) error {
	p := s.pathFor(k)
	pnew := p + ".new"
	err := os.WriteFile(pnew, v, 0600)
	if os.IsNotExist(err) {
		if err = os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return errors.Wrapf(err, "store.DiskStore.Put: mkdir for %q", k)
		}
		err = os.WriteFile(pnew, v, 0600)
	}
	if err != nil {
		return errors.Wrapf(err, "store.DiskStore.Put: write %q", k)
	}
	if err := syscall.Rename(pnew, p); err != nil {
		return errors.Wrapf(err, "store.DiskStore.Put: rename %q", k)
	}
	return nil
}

func (s *DiskStore) Delete(k Key) error {
	err := os.Remove(s.pathFor(k))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "could not delete %q", k)
		}
		return errors.Wrapf(err, "store.DiskStore.Delete: %q", k)
	}
	return nil
}

func (s *DiskStore) Contains(k Key) (bool, error) {
	_, err := os.Stat(s.pathFor(k))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// ForEach visits every key in lexicographic path order, so a caller
// replaying a namespace like "<deviceId>/*" sees entries in key order.
func (s *DiskStore) ForEach(cb func(Key) error) error {
	var keys []Key
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.dir {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) == ".new" {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		keys = append(keys, Key(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "store.DiskStore.ForEach")
	}
	for _, k := range keys {
		if err := cb(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiskStore) pathFor(key Key) string {
	return filepath.Join(s.dir, filepath.FromSlash(string(key)))
}
