package cache

import (
	"errors"
	"os"
	"path/filepath"
)

// FileCache is the segment cache directory of one playlist.
type FileCache struct {
	Dir string
}

func New(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

func (f *FileCache) Path(name string) string {
	return filepath.Join(f.Dir, name)
}

func (f *FileCache) Get(name string) ([]byte, error) {
	return os.ReadFile(f.Path(name))
}

func (f *FileCache) Put(name string, data []byte) error {
	return Put(f.Path(name), data)
}

// Exists reports the size of a cached entry.
func (f *FileCache) Exists(name string) (int64, bool) {
	return Exists(f.Path(name))
}

// Purge removes the whole directory.
func (f *FileCache) Purge() error {
	return os.RemoveAll(f.Dir)
}

// Exists reports whether path holds a complete entry. Entries are only ever
// created by rename, so any regular file is whole, including an empty one.
func Exists(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Put writes data next to path and renames it into place.
func Put(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Remove deletes path, ignoring a missing file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
