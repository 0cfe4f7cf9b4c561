// Package storage manages the on-disk artifact cache.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2b"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// FileStore lays artifacts out under root as <platform>/<key>_<item><ext>.
type FileStore struct {
	root    string
	minFree int64
}

// NewFileStore creates the root directory and returns a store over it.
// minFree is the free space EnsureFree demands; zero disables the check.
func NewFileStore(root string, minFree int64) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{root: root, minFree: minFree}, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Key derives the stable key of one item rendition.
func Key(id domain.ContentID, item int, variant string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(item)))
	h.Write([]byte{0})
	h.Write([]byte(variant))
	return hex.EncodeToString(h.Sum(nil))
}

// PathFor returns where the artifact for an item rendition lives.
func (s *FileStore) PathFor(id domain.ContentID, item int, variant, ext string) string {
	name := Key(id, item, variant) + "_" + strconv.Itoa(item) + ext
	return filepath.Join(s.root, string(id.Platform()), name)
}

// Lookup maps a public platform/name pair back to a file inside the store.
func (s *FileStore) Lookup(platform, name string) (string, bool) {
	if !domain.Platform(platform).Valid() {
		return "", false
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
		return "", false
	}
	p := filepath.Join(s.root, platform, name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// Remove deletes the given files, ignoring ones already gone.
func (s *FileStore) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnsureFree returns ErrStorageFull when the volume has less free space
// than the configured minimum.
func (s *FileStore) EnsureFree() error {
	if s.minFree <= 0 {
		return nil
	}
	free := freeDiskSpace(s.root)
	if free < 0 {
		// Unknown on this platform
		return nil
	}
	if free < s.minFree {
		return fmt.Errorf("%w: %s free, %s required", domain.ErrStorageFull,
			humanize.Bytes(uint64(free)), humanize.Bytes(uint64(s.minFree)))
	}
	return nil
}

// FreeBytes reports free space on the store volume, -1 when unknown.
func (s *FileStore) FreeBytes() int64 {
	return freeDiskSpace(s.root)
}

// Sweep removes files not modified within olderThan. It is used at startup
// to drop artifacts whose cleanup was pending when the last process exited.
func (s *FileStore) Sweep(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) || strings.HasSuffix(path, ".part") {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}
