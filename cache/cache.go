package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store keeps rendered script code on disk, one directory per script.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the cache file for a served file of a script
func (s *Store) Path(scriptID int, name string) string {
	hash := generateHash(strconv.Itoa(scriptID) + "/" + name)
	return filepath.Join(s.scriptDir(scriptID), fmt.Sprintf("%s_%s.cache", hash[:16], sanitize(name)))
}

func (s *Store) scriptDir(scriptID int) string {
	return filepath.Join(s.root, strconv.Itoa(scriptID))
}

// generateHash generates an xxHash hash for the given string
func generateHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, name)
}

func (s *Store) Write(scriptID int, name string, content []byte) error {
	if err := os.MkdirAll(s.scriptDir(scriptID), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.Path(scriptID, name), content, 0644)
}

// Read returns cached content if it exists and is younger than maxAge
func (s *Store) Read(scriptID int, name string, maxAge time.Duration) ([]byte, bool) {
	path := s.Path(scriptID, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > maxAge {
		return nil, false
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return content, true
}

// Invalidate removes everything cached for a script. Called whenever a
// version is added or removed, or the script is deleted or locked.
func (s *Store) Invalidate(scriptID int) error {
	err := os.RemoveAll(s.scriptDir(scriptID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ClearOld removes cache files older than maxAge
func (s *Store) ClearOld(maxAge time.Duration) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".cache") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if time.Since(info.ModTime()) > maxAge {
			os.Remove(path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
