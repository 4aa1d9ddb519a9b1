// Package blobstore keeps normalized image files under a root directory.
//
// Files are addressed by a relative path of the form YYYY/MM/<uuid>.webp.
// Writes land through a temporary file and a rename so a crash never leaves a
// partially written image at its final path.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"envtrack/internal/faults"
	"envtrack/internal/fileutil"
)

// Extension is appended to every stored file name.
const Extension = ".webp"

// Store manages image files below Root.
type Store struct {
	root    string
	minFree uint64
	freeFn  func(string) (uint64, error)
}

// New creates a Store rooted at root. Writes are refused when the filesystem
// has fewer than minFree bytes available.
func New(root string, minFree int64) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image root: %w", err)
	}
	if minFree < 0 {
		minFree = 0
	}
	return &Store{root: root, minFree: uint64(minFree), freeFn: fileutil.FreeBytes}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// SetFreeSpaceFunc overrides the free-space check.
func (s *Store) SetFreeSpaceFunc(fn func(string) (uint64, error)) {
	s.freeFn = fn
}

// NewPath returns a fresh relative path for a file stored at t.
func NewPath(t time.Time) string {
	t = t.UTC()
	return path.Join(fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), uuid.NewString()+Extension)
}

// Resolve maps a relative path to an absolute one, rejecting anything that
// would escape the root.
func (s *Store) Resolve(rel string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "" || clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", faults.Newf(faults.CodeValidation, "invalid storage path %q", rel)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Write stores data under a new relative path derived from now.
func (s *Store) Write(data []byte, now time.Time) (string, error) {
	if err := s.checkFreeSpace(int64(len(data))); err != nil {
		return "", err
	}
	rel := NewPath(now)
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", faults.Wrap(faults.CodeStorageFailure, "write image", "create directory", err)
	}
	if err := fileutil.WriteFileVerified(abs, data, 0o644); err != nil {
		return "", faults.Wrap(faults.CodeStorageFailure, "write image", "", err)
	}
	return rel, nil
}

func (s *Store) checkFreeSpace(size int64) error {
	if s.minFree == 0 || s.freeFn == nil {
		return nil
	}
	free, err := s.freeFn(s.root)
	if err != nil {
		return faults.Wrap(faults.CodeStorageFailure, "check free space", "", err)
	}
	if free < s.minFree+uint64(size) {
		return faults.Newf(faults.CodeStorageFailure, "insufficient free space: %d bytes available, %d required", free, s.minFree+uint64(size))
	}
	return nil
}

// Open opens the file at rel for reading.
func (s *Store) Open(rel string) (*os.File, fs.FileInfo, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, faults.New(faults.CodeNotFound, "image file not found")
		}
		return nil, nil, faults.Wrap(faults.CodeStorageFailure, "open image", "", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, faults.Wrap(faults.CodeStorageFailure, "stat image", "", err)
	}
	return f, info, nil
}

// Exists reports whether a file is stored at rel.
func (s *Store) Exists(rel string) (bool, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Remove deletes the file at rel. A missing file is not an error.
func (s *Store) Remove(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return faults.Wrap(faults.CodeStorageFailure, "remove image", "", err)
	}
	return nil
}

// File describes one stored file.
type File struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

// Walk calls fn for every stored image file. Temporary files left by an
// interrupted write are skipped.
func (s *Store) Walk(fn func(File) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !strings.HasSuffix(d.Name(), Extension) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		return fn(File{RelPath: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
	})
}
