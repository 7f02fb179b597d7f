package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/transmission-proxy/internal/errors"
	"golang.org/x/sync/singleflight"
)

// Dirs creates per-identity download directories under a root on first
// use. Creation is idempotent and concurrent requests for the same
// directory share one mkdir.
type Dirs struct {
	root  string
	group singleflight.Group
	known sync.Map // absolute path -> struct{}
}

// NewDirs returns a Dirs rooted at root. The root itself is not created.
func NewDirs(root string) *Dirs {
	return &Dirs{root: filepath.Clean(root)}
}

// Root returns the download root.
func (d *Dirs) Root() string {
	return d.root
}

// Path returns the absolute directory for a relative one.
func (d *Dirs) Path(rel string) string {
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

// Contains reports whether dir is rel's directory or below it.
func (d *Dirs) Contains(rel, dir string) bool {
	base := d.Path(rel)
	dir = filepath.Clean(dir)
	return dir == base || strings.HasPrefix(dir, base+string(filepath.Separator))
}

// Ensure creates rel under the root if needed and returns its absolute
// path. Failures wrap apperrors.ErrDirectory.
func (d *Dirs) Ensure(rel string) (string, error) {
	abs := d.Path(rel)
	if _, ok := d.known.Load(abs); ok {
		return abs, nil
	}

	_, err, _ := d.group.Do(abs, func() (any, error) {
		if _, ok := d.known.Load(abs); ok {
			return nil, nil
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, err
		}
		d.known.Store(abs, struct{}{})
		return nil, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", apperrors.ErrDirectory, abs, err)
	}

	return abs, nil
}
