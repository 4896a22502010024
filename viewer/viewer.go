// Package viewer defines the display surface a streaming run renders point clouds into.
package viewer

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/viam-labs/pillarview/logging"
	"github.com/viam-labs/pillarview/pointcloud"
)

// Viewer displays one point cloud that is replaced every frame.
type Viewer interface {
	// Add registers the cloud on the first frame.
	Add(cloud *pointcloud.PointCloud) error
	// Update redraws the registered cloud with new contents.
	Update(cloud *pointcloud.PointCloud) error
	// PollEvents services the window and reports whether it is still open.
	PollEvents() bool
	// Destroy closes the window.
	Destroy() error
}

// ErrDestroyed is returned when a destroyed viewer is drawn to.
var ErrDestroyed = errors.New("viewer destroyed")

// Nop is a viewer with no output. It stays open until destroyed.
type Nop struct {
	mu        sync.Mutex
	destroyed bool
}

// Add does nothing.
func (v *Nop) Add(*pointcloud.PointCloud) error { return v.check() }

// Update does nothing.
func (v *Nop) Update(*pointcloud.PointCloud) error { return v.check() }

// PollEvents reports whether Destroy has not been called.
func (v *Nop) PollEvents() bool { return v.check() == nil }

// Destroy marks the viewer closed.
func (v *Nop) Destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.destroyed = true
	return nil
}

func (v *Nop) check() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return ErrDestroyed
	}
	return nil
}

// PCDViewer renders by writing the latest cloud to a PCD file that external tools can watch.
// Every frame replaces the file atomically.
type PCDViewer struct {
	path   string
	format pointcloud.PCDType
	logger logging.Logger

	mu        sync.Mutex
	added     bool
	destroyed bool
	writes    int
}

// NewPCDViewer returns a viewer writing to path. The parent directory is created.
func NewPCDViewer(path string, format pointcloud.PCDType, logger logging.Logger) (*PCDViewer, error) {
	if path == "" {
		return nil, errors.New("pcd viewer needs an output path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "creating render output directory")
	}
	return &PCDViewer{path: path, format: format, logger: logger}, nil
}

// Path returns the file the viewer writes.
func (v *PCDViewer) Path() string {
	return v.path
}

// Writes returns how many frames were written.
func (v *PCDViewer) Writes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}

// Add writes the first frame.
func (v *PCDViewer) Add(cloud *pointcloud.PointCloud) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return ErrDestroyed
	}
	if v.added {
		return errors.New("cloud already added, use Update")
	}
	v.added = true
	v.logger.Infow("rendering point cloud", "path", v.path)
	return v.write(cloud)
}

// Update replaces the written frame.
func (v *PCDViewer) Update(cloud *pointcloud.PointCloud) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return ErrDestroyed
	}
	if !v.added {
		return errors.New("no cloud added yet")
	}
	return v.write(cloud)
}

func (v *PCDViewer) write(cloud *pointcloud.PointCloud) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(v.path), filepath.Base(v.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating render frame")
	}
	defer func() {
		if err != nil {
			utils.UncheckedError(os.Remove(tmp.Name()))
		}
	}()
	if err := pointcloud.ToPCD(cloud, tmp, v.format); err != nil {
		utils.UncheckedError(tmp.Close())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return errors.Wrap(err, "publishing render frame")
	}
	v.writes++
	return nil
}

// PollEvents reports whether the viewer is still open.
func (v *PCDViewer) PollEvents() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.destroyed
}

// Destroy closes the viewer. The last frame stays on disk.
func (v *PCDViewer) Destroy() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.destroyed {
		v.destroyed = true
		v.logger.Debugw("viewer closed", "frames", v.writes)
	}
	return nil
}
