// Package localfs is the flat local directory that holds downloaded captures.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const tmpSuffix = ".pwnlink-tmp"

var ErrInvalidName = errors.New("invalid local file name")

// Entry describes one file in the local directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

type Store struct {
	fs  afero.Fs
	dir string
}

func New(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir}
}

// NewOS returns a store backed by the real filesystem.
func NewOS(dir string) *Store {
	return New(afero.NewOsFs(), dir)
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Ensure() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create local dir %s: %w", s.dir, err)
	}
	return nil
}

// Save writes data under name with both timestamps set to modTime. The bytes
// go to a temporary file first and are renamed into place, so a reader
// never sees a partial file.
func (s *Store) Save(name string, data []byte, modTime time.Time) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.Ensure(); err != nil {
		return err
	}

	tmpPath := target + tmpSuffix
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Chtimes(tmpPath, modTime, modTime); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("set times on %s: %w", name, err)
	}
	if err := s.fs.Rename(tmpPath, target); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("rename %s into place: %w", name, err)
	}
	return nil
}

// List returns regular files in the directory, skipping temporaries left by
// an interrupted Save. A missing directory is an empty list.
func (s *Store) List() ([]Entry, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read local dir %s: %w", s.dir, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || strings.HasSuffix(info.Name(), tmpSuffix) {
			continue
		}
		entries = append(entries, Entry{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return entries, nil
}

func (s *Store) ReadFile(name string) ([]byte, error) {
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, target)
}

func (s *Store) Open(name string) (afero.File, error) {
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(target)
}

func (s *Store) Stat(name string) (os.FileInfo, error) {
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return s.fs.Stat(target)
}

// path keeps every name inside the flat directory.
func (s *Store) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasSuffix(name, tmpSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}
