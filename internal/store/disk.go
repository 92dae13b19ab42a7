// internal/store/disk.go
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/erilali/chathub/internal/message"
)

// DiskBlobs writes uploads into a single flat directory.
type DiskBlobs struct {
	dir string
	now func() time.Time
}

// NewDiskBlobs creates dir if needed.
func NewDiskBlobs(dir string) (*DiskBlobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &DiskBlobs{dir: dir, now: time.Now}, nil
}

func (d *DiskBlobs) Dir() string { return d.dir }

func (d *DiskBlobs) Save(ctx context.Context, nameHint string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, f, err := d.create(nameHint)
	if err != nil {
		return "", err
	}
	path := filepath.Join(d.dir, name)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return name, nil
}

const maxNameAttempts = 8

// create opens a new file exclusively. A name taken by an upload in the
// same millisecond is retried with the next millisecond.
func (d *DiskBlobs) create(nameHint string) (string, *os.File, error) {
	base := d.now()
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := message.SanitizeFilename(nameHint, base.Add(time.Duration(attempt)*time.Millisecond))
		f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return name, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("create %s: %w", name, err)
		}
	}
	return "", nil, fmt.Errorf("no free name for %q after %d attempts", nameHint, maxNameAttempts)
}
