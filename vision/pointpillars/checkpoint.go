package pointpillars

import (
	"context"
	"os"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"github.com/pkg/errors"

	"github.com/viam-labs/pillarview/logging"
)

// Fetcher downloads src to the file dst.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

// GetterFetcher downloads through go-getter, so src may be any URL go-getter detects.
type GetterFetcher struct{}

// Fetch writes src to a sibling temporary file and renames it into place, so an
// interrupted download never leaves a partial checkpoint at dst.
func (GetterFetcher) Fetch(ctx context.Context, src, dst string) error {
	tmp := dst + ".part"
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  tmp,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		//nolint:errcheck
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// EnsureCheckpoint makes sure dir/file exists, creating dir and downloading url with f
// when the file is missing. An existing file is never downloaded again. It returns the
// checkpoint path.
func EnsureCheckpoint(ctx context.Context, dir, file, url string, f Fetcher, logger logging.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrap(err, "creating checkpoint directory")
	}
	path := filepath.Join(dir, file)
	if _, err := os.Stat(path); err == nil {
		logger.Debugw("checkpoint present", "path", path)
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "checking checkpoint")
	}
	logger.Infow("downloading checkpoint", "url", url, "path", path)
	if err := f.Fetch(ctx, url, path); err != nil {
		return "", errors.Wrapf(err, "downloading checkpoint from %s", url)
	}
	return path, nil
}
