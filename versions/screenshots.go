package versions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ScreenshotStore keeps uploaded screenshot files.
type ScreenshotStore interface {
	Save(filename string, data []byte) (string, error)
	Remove(path string) error
}

// DiskScreenshots writes screenshots under a directory, prefixing each
// file with a random id so names never collide.
type DiskScreenshots struct {
	dir string
}

func NewDiskScreenshots(dir string) *DiskScreenshots {
	return &DiskScreenshots{dir: dir}
}

func (d *DiskScreenshots) Save(filename string, data []byte) (string, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(filename)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes a file written by Save. A missing file is not an error.
func (d *DiskScreenshots) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
